package supervisor

import (
	"errors"
	"fmt"
)

// ErrEmptyCommand indicates a launch with no program to execute.
var ErrEmptyCommand = errors.New("empty launch command")

// SpawnError reports that a job's process could not be started. It is local
// to that job.
type SpawnError struct {
	JobID   string
	Program string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.JobID, e.Program, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProcessExitError reports a job process that exited unsuccessfully.
type ProcessExitError struct {
	JobID    string
	ExitCode int

	// StderrTail is the end of the job's stderr, for error messages.
	StderrTail string

	Err error
}

// Error implements the error interface.
func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.JobID, e.ExitCode)
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// IsSpawnError returns true if err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var target *SpawnError
	return errors.As(err, &target)
}

// IsProcessExitError returns true if err is (or wraps) a ProcessExitError.
func IsProcessExitError(err error) bool {
	var target *ProcessExitError
	return errors.As(err, &target)
}
