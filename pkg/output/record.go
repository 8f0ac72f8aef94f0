// Package output provides JSONL output for batch results.
//
// Output is structured as typed record envelopes containing job outcomes,
// batch state changes, errors, and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/gpubatch/pkg/job"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gpubatch.<type>.v<version>
const (
	// TypeOutcome identifies per-job outcome records.
	TypeOutcome = "gpubatch.outcome.v1"

	// TypeState identifies batch state transition records.
	TypeState = "gpubatch.state.v1"

	// TypeError identifies error records.
	TypeError = "gpubatch.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gpubatch.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "gpubatch.outcome.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this batch.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// OutcomeRecord is the data payload for one job's outcome.
type OutcomeRecord struct {
	JobID      string         `json:"job_id"`
	JobNum     int            `json:"job_num"`
	Index      int            `json:"index"`
	TaskName   string         `json:"task_name,omitempty"`
	Status     job.Status     `json:"status"`
	ExitCode   int            `json:"exit_code"`
	PID        int            `json:"pid,omitempty"`
	WorkingDir string         `json:"working_dir"`
	Overrides  []string       `json:"overrides"`
	Command    []string       `json:"command,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Error      string         `json:"error,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Duration is the job's wall time.
	Duration time.Duration `json:"duration_ns"`

	// Captured output, only when requested.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// NewOutcomeRecord converts an outcome. Captured output is dropped unless
// includeOutput is set.
func NewOutcomeRecord(o job.Outcome, includeOutput bool) *OutcomeRecord {
	rec := &OutcomeRecord{
		JobID:      o.JobID,
		JobNum:     o.JobNum,
		Index:      o.Index,
		TaskName:   o.TaskName,
		Status:     o.Status,
		ExitCode:   o.ExitCode,
		PID:        o.PID,
		WorkingDir: o.WorkingDir,
		Overrides:  o.Overrides,
		Command:    o.Command,
		Config:     o.Config,
		Error:      o.Error,
		StartedAt:  o.StartedAt,
		EndedAt:    o.EndedAt,
		Duration:   o.Duration(),
	}
	if includeOutput {
		rec.Stdout = o.Stdout
		rec.Stderr = o.Stderr
	}
	return rec
}

// StateRecord is the data payload for a batch state transition.
type StateRecord struct {
	State  string `json:"state"`
	Handle string `json:"allocation_handle,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Batch-fatal errors are emitted as records before the process exits
// non-zero, so consumers of the stream see why no outcomes followed.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeAllocation indicates the allocator could not provide GPUs.
	ErrCodeAllocation = "ALLOCATION_FAILED"

	// ErrCodePlanning indicates a launch command could not be built.
	ErrCodePlanning = "PLANNING_FAILED"

	// ErrCodeRelease indicates the allocation could not be released.
	ErrCodeRelease = "RELEASE_FAILED"

	// ErrCodeCancelled indicates the batch was interrupted before launch.
	ErrCodeCancelled = "CANCELLED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for the final batch summary.
type SummaryRecord struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Unknown   int `json:"unknown"`

	// Handle is the allocation the batch ran on.
	Handle string `json:"allocation_handle,omitempty"`

	DryRun bool `json:"dry_run,omitempty"`

	// Duration is the total batch duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// NewSummaryRecord builds a summary from the batch outcomes.
func NewSummaryRecord(outcomes []job.Outcome, elapsed time.Duration) *SummaryRecord {
	s := job.Summarize(outcomes)
	return &SummaryRecord{
		Total:         s.Total,
		Completed:     s.Completed,
		Failed:        s.Failed,
		Unknown:       s.Unknown,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
