package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ManagedRunFlag is the hidden flag passed to a detached launcher child.
const ManagedRunFlag = "--_managed-run-id"

// Executor starts detached batch launches.
//
// A detached launch re-executes the current binary as
//
//	gpubatch launch <args...> --_managed-run-id <run_id>
//
// with the child's stdout/stderr going to the run directory. The child
// records the run under the given ID.
type Executor struct {
	store *Store
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "launcher.stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "launcher.stderr.log")
}

func launchCommand(exe string, argv []string, stdout, stderr *os.File) *exec.Cmd {
	cmd := exec.Command(exe, argv...)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	cmd.SysProcAttr = detachAttrs()
	return cmd
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// StartLaunchBackground spawns a managed child process running the launch
// command with args and returns after the child successfully starts.
func (e *Executor) StartLaunchBackground(args []string, taskName string) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	runID := NewRunID()
	runDir := e.store.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	argv := append([]string{"launch"}, args...)
	argv = append(argv, ManagedRunFlag, runID)

	// Written before the child starts; the child takes the record over and
	// stamps its own pid.
	rec := &RunRecord{
		RunID:      runID,
		TaskName:   taskName,
		State:      "IDLE",
		CreatedAt:  time.Now().UTC(),
		StdoutPath: e.StdoutPath(runID),
		StderrPath: e.StderrPath(runID),
	}
	if err := e.store.WriteRun(rec); err != nil {
		return nil, err
	}

	cmd := launchCommand(exe, argv, stdoutFile, stderrFile)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed launch: %w", err)
	}
	rec.PID = cmd.Process.Pid

	// The child outlives us; do not wait on it.
	_ = cmd.Process.Release()
	return rec, nil
}
