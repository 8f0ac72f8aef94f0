package allocator

import (
	"bytes"
	"context"
	"os/exec"
)

// CommandRunner runs a command to completion and returns its captured output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command, capturing stdout and stderr separately.
//
// The allocator may block for as long as its wait policy allows; cancelling
// ctx kills it.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

var _ CommandRunner = ExecRunner{}
