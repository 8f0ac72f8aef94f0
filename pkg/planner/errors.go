package planner

import (
	"errors"
	"fmt"
)

// Sentinel errors for planning.
var (
	// ErrScriptNotFound indicates the task script does not exist or is not a
	// regular file.
	ErrScriptNotFound = errors.New("task script not found")

	// ErrInterpreterNotFound indicates the interpreter could not be resolved.
	ErrInterpreterNotFound = errors.New("interpreter not found")

	// ErrNotPrepared indicates Plan was called before Prepare succeeded.
	ErrNotPrepared = errors.New("planner not prepared")
)

// PlanningError reports a failure to build a job's launch command. It is
// fatal for the batch.
type PlanningError struct {
	// JobID is the job being planned, empty for batch-level failures.
	JobID string

	// Op is the planning step that failed ("script", "interpreter", "resolve").
	Op string

	Err error
}

// Error implements the error interface.
func (e *PlanningError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("plan %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("plan %s %s: %v", e.JobID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PlanningError) Unwrap() error {
	return e.Err
}

// IsPlanningError returns true if err is (or wraps) a PlanningError.
func IsPlanningError(err error) bool {
	var target *PlanningError
	return errors.As(err, &target)
}
