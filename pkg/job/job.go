// Package job defines the data model shared by the batch launcher: job specs,
// launch commands, and the per-job outcome returned to callers.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal (or pending) status of one job.
//
// NOTE: These values are written to JSONL output, job.json and the history
// database. They are part of the stable on-disk contract.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Spec describes one job in a batch.
//
// Overrides are key=value configuration fragments applied on top of the
// batch's base configuration. Index is the position within the batch and Num
// is the globally unique job number (initial index + offset).
type Spec struct {
	Overrides []string
	Index     int
	Num       int
}

// ID returns the job identifier used in logs, records and directories.
func (s Spec) ID() string {
	return fmt.Sprintf("job_%d", s.Num)
}

// NewSpecs builds the ordered specs for a batch.
//
// The override slices are copied so later mutation by the caller cannot leak
// into a running batch.
func NewSpecs(overrides [][]string, initialIndex int) []Spec {
	specs := make([]Spec, 0, len(overrides))
	for i, ov := range overrides {
		cp := make([]string, len(ov))
		copy(cp, ov)
		specs = append(specs, Spec{
			Overrides: cp,
			Index:     i,
			Num:       initialIndex + i,
		})
	}
	return specs
}

// Command is an argument vector ready to execute. Element 0 is the program.
type Command []string

// Name returns the program to execute.
func (c Command) Name() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Args returns the arguments after the program name.
func (c Command) Args() []string {
	if len(c) <= 1 {
		return nil
	}
	return c[1:]
}

// String renders the command for log lines.
func (c Command) String() string {
	return strings.Join(c, " ")
}

// Outcome is the record of one job's execution, returned in batch order.
type Outcome struct {
	JobID      string         `json:"job_id"`
	JobNum     int            `json:"job_num"`
	Index      int            `json:"index"`
	TaskName   string         `json:"task_name,omitempty"`
	WorkingDir string         `json:"working_dir"`
	Overrides  []string       `json:"overrides"`
	Config     map[string]any `json:"config,omitempty"`
	Command    Command        `json:"command,omitempty"`

	Status   Status `json:"status"`
	ExitCode int    `json:"exit_code"`
	PID      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`

	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewOutcome returns the UNKNOWN outcome for a spec that is about to launch.
func NewOutcome(spec Spec, taskName, workingDir string) Outcome {
	ov := make([]string, len(spec.Overrides))
	copy(ov, spec.Overrides)
	return Outcome{
		JobID:      spec.ID(),
		JobNum:     spec.Num,
		Index:      spec.Index,
		TaskName:   taskName,
		WorkingDir: workingDir,
		Overrides:  ov,
		Status:     StatusUnknown,
		ExitCode:   -1,
	}
}

// Duration returns the wall time between start and end, or zero.
func (o Outcome) Duration() time.Duration {
	if o.StartedAt == nil || o.EndedAt == nil {
		return 0
	}
	return o.EndedAt.Sub(*o.StartedAt)
}

// Summary aggregates the statuses of a batch.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Unknown   int `json:"unknown"`
}

// Summarize counts outcomes by status.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		default:
			s.Unknown++
		}
	}
	return s
}

// AllCompleted reports whether every job finished successfully.
func (s Summary) AllCompleted() bool {
	return s.Completed == s.Total
}
