package jobregistry

import (
	"time"

	"github.com/3leaps/gpubatch/pkg/job"
)

// JobState is the lifecycle state of a recorded job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
	JobStateUnknown JobState = "unknown"
)

// IsTerminal reports whether the job reached a final state.
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailed
}

// StateFromStatus maps a job outcome status to the persisted job state.
func StateFromStatus(s job.Status) JobState {
	switch s {
	case job.StatusCompleted:
		return JobStateSuccess
	case job.StatusFailed:
		return JobStateFailed
	default:
		return JobStateUnknown
	}
}

// Launcher states persisted in run.json. They mirror the batch lifecycle.
const (
	RunStateDone    = "DONE"
	RunStateFailed  = "FAILED"
	RunStateUnknown = "UNKNOWN"
)

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	RunID      string   `json:"run_id"`
	JobID      string   `json:"job_id"`
	JobNum     int      `json:"job_num"`
	Index      int      `json:"index"`
	TaskName   string   `json:"task_name,omitempty"`
	State      JobState `json:"state"`
	Overrides  []string `json:"overrides"`
	Command    []string `json:"command,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	PID        int      `json:"pid,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	Error      string   `json:"error,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}

// RunRecord is the persistent record written to run.json, one per batch.
type RunRecord struct {
	RunID    string `json:"run_id"`
	TaskName string `json:"task_name,omitempty"`
	State    string `json:"state"`
	Handle   string `json:"allocation_handle,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`

	// PID is the launcher process, used to detect abandoned runs.
	PID int `json:"pid,omitempty"`

	JobCount  int `json:"job_count"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Set for detached runs.
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// IsTerminal reports whether the run finished.
func (r RunRecord) IsTerminal() bool {
	return r.State == RunStateDone || r.State == RunStateFailed || r.State == RunStateUnknown
}
