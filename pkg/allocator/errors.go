package allocator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for allocator operations.
var (
	// ErrEmptyHandle indicates the allocator exited cleanly but printed nothing.
	ErrEmptyHandle = errors.New("allocator returned an empty handle")

	// ErrMalformedHandle indicates the allocator printed more than one line.
	ErrMalformedHandle = errors.New("allocator returned a malformed handle")
)

// AllocationError reports a failed acquire. It is fatal for the batch.
type AllocationError struct {
	// Args is the full allocator command line.
	Args []string

	// ExitCode is the allocator exit status, or -1 if it never ran.
	ExitCode int

	// Stderr is the trimmed stderr of the allocator, if any.
	Stderr string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("acquire gpus (%s): %v", strings.Join(e.Args, " "), e.Err)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AllocationError) Unwrap() error {
	return e.Err
}

// ReleaseError reports a failed release. It is logged, never propagated as a
// batch failure.
type ReleaseError struct {
	Handle Handle
	Err    error
}

// Error implements the error interface.
func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release allocation %s: %v", e.Handle, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ReleaseError) Unwrap() error {
	return e.Err
}

// IsAllocationError returns true if err is (or wraps) an AllocationError.
func IsAllocationError(err error) bool {
	var target *AllocationError
	return errors.As(err, &target)
}
