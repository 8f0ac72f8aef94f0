// Package supervisor spawns job processes and collects their outcomes.
//
// Jobs are started one after another in batch order and then run in parallel
// as independent OS processes. Their stdout and stderr are captured in memory
// (and optionally teed to per-job log sinks) for the whole process lifetime,
// so a child that writes a lot never blocks on a full pipe.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gpubatch/pkg/job"
)

// stderrTailBytes bounds the stderr excerpt carried in ProcessExitError.
const stderrTailBytes = 512

// Launch is one job ready to spawn.
type Launch struct {
	Spec    job.Spec
	Command job.Command
	Config  map[string]any
}

// Observer receives job lifecycle callbacks. Implementations must be safe for
// concurrent use: JobFinished is called from collection goroutines.
type Observer interface {
	JobStarted(o job.Outcome)
	JobFinished(o job.Outcome)
}

// LogSink opens per-job destinations that receive a copy of the job's output.
type LogSink interface {
	Open(spec job.Spec) (stdout, stderr io.WriteCloser, err error)
}

// Config configures a Supervisor.
type Config struct {
	// TaskName is recorded in every outcome.
	TaskName string

	// WorkingDir is the cwd of every job. Default: the current directory.
	WorkingDir string

	// Env is the job environment. Nil inherits the current environment.
	Env []string

	// LaunchRate limits spawns per second. 0 means unlimited.
	LaunchRate float64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogSink tees job output to sink.
func WithLogSink(sink LogSink) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

// Supervisor starts and waits for job processes.
type Supervisor struct {
	cfg       Config
	logger    *zap.Logger
	observers []Observer
	sink      LogSink
	limiter   *rate.Limiter
}

// New creates a Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDir = wd
		}
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	if cfg.LaunchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkingDir returns the directory jobs run in.
func (s *Supervisor) WorkingDir() string {
	return s.cfg.WorkingDir
}

// Running is a spawned (or failed-to-spawn) job awaiting collection.
type Running struct {
	cmd     *exec.Cmd
	outcome job.Outcome
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	closers []io.Closer
	logger  *zap.Logger
}

// Outcome returns the job's current outcome. It is final only after Collect.
func (r *Running) Outcome() job.Outcome {
	return r.outcome
}

// Started reports whether the process was spawned.
func (r *Running) Started() bool {
	return r.cmd != nil && r.cmd.Process != nil
}

// LaunchAll spawns every launch in order and returns one Running per launch,
// in the same order. A job that cannot be spawned is returned already FAILED;
// its siblings are unaffected.
//
// Spawning is not cancellable: once launching begins every job is started.
func (s *Supervisor) LaunchAll(ctx context.Context, launches []Launch) []*Running {
	paceCtx := context.WithoutCancel(ctx)
	running := make([]*Running, 0, len(launches))
	for _, l := range launches {
		if s.limiter != nil {
			_ = s.limiter.Wait(paceCtx)
		}
		running = append(running, s.spawn(l))
	}
	return running
}

func (s *Supervisor) spawn(l Launch) *Running {
	out := job.NewOutcome(l.Spec, s.cfg.TaskName, s.cfg.WorkingDir)
	out.Command = append(job.Command(nil), l.Command...)
	out.Config = l.Config

	r := &Running{
		outcome: out,
		logger:  s.logger.With(zap.String("job_id", out.JobID)),
	}

	if l.Command.Name() == "" {
		s.failSpawn(r, ErrEmptyCommand)
		return r
	}

	var stdout io.Writer = &r.stdout
	var stderr io.Writer = &r.stderr
	if s.sink != nil {
		so, se, err := s.sink.Open(l.Spec)
		if err != nil {
			r.logger.Warn("job log sink unavailable", zap.Error(err))
		} else {
			stdout = io.MultiWriter(&r.stdout, newSinkWriter(so, "stdout", r.logger))
			stderr = io.MultiWriter(&r.stderr, newSinkWriter(se, "stderr", r.logger))
			r.closers = append(r.closers, so, se)
		}
	}

	cmd := exec.Command(l.Command.Name(), l.Command.Args()...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = s.cfg.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("spawning job", zap.String("command", l.Command.String()))

	if err := cmd.Start(); err != nil {
		s.failSpawn(r, err)
		return r
	}

	started := time.Now().UTC()
	r.cmd = cmd
	r.outcome.PID = cmd.Process.Pid
	r.outcome.StartedAt = &started

	r.logger.Info("job started", zap.Int("pid", r.outcome.PID))
	for _, o := range s.observers {
		o.JobStarted(r.outcome)
	}
	return r
}

func (s *Supervisor) failSpawn(r *Running, err error) {
	serr := &SpawnError{JobID: r.outcome.JobID, Program: r.outcome.Command.Name(), Err: err}
	now := time.Now().UTC()
	r.outcome.Status = job.StatusFailed
	r.outcome.Error = serr.Error()
	r.outcome.StartedAt = &now
	r.outcome.EndedAt = &now
	r.closeSinks()

	r.logger.Error("job failed to spawn", zap.Error(serr))
	for _, o := range s.observers {
		o.JobFinished(r.outcome)
	}
}

// Collect waits for every running job and returns final outcomes in input
// order. Jobs are awaited concurrently; whichever finishes first is finalized
// first. Jobs that failed to spawn are returned as they are.
//
// Running processes are never killed: Collect returns only after every job
// exited.
func (s *Supervisor) Collect(_ context.Context, running []*Running) []job.Outcome {
	outcomes := make([]job.Outcome, len(running))

	var wg conc.WaitGroup
	for i, r := range running {
		if !r.Started() {
			outcomes[i] = r.outcome
			continue
		}
		wg.Go(func() {
			outcomes[i] = s.wait(r)
		})
	}
	wg.Wait()

	return outcomes
}

// Run launches and collects a batch.
func (s *Supervisor) Run(ctx context.Context, launches []Launch) []job.Outcome {
	return s.Collect(ctx, s.LaunchAll(ctx, launches))
}

func (s *Supervisor) wait(r *Running) job.Outcome {
	err := r.cmd.Wait()
	ended := time.Now().UTC()
	r.closeSinks()

	out := r.outcome
	out.EndedAt = &ended
	out.Stdout = r.stdout.String()
	out.Stderr = r.stderr.String()
	if r.cmd.ProcessState != nil {
		out.ExitCode = r.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.Status = job.StatusCompleted
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.Status = job.StatusFailed
		perr := &ProcessExitError{
			JobID:      out.JobID,
			ExitCode:   exitErr.ExitCode(),
			StderrTail: tail(out.Stderr, stderrTailBytes),
			Err:        err,
		}
		out.Error = perr.Error()
	default:
		// Output copy failed after the process ran.
		out.Status = job.StatusFailed
		out.Error = err.Error()
	}

	fields := []zap.Field{
		zap.String("status", string(out.Status)),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration()),
	}
	if out.Status == job.StatusCompleted {
		r.logger.Info("job finished", fields...)
	} else {
		r.logger.Warn("job finished", append(fields, zap.String("error", out.Error))...)
	}
	if out.Stdout != "" {
		r.logger.Debug("job stdout", zap.String("stdout", out.Stdout))
	}
	if out.Stderr != "" {
		r.logger.Debug("job stderr", zap.String("stderr", out.Stderr))
	}

	for _, o := range s.observers {
		o.JobFinished(out)
	}

	r.outcome = out
	return out
}

func (r *Running) closeSinks() {
	for _, c := range r.closers {
		_ = c.Close()
	}
	r.closers = nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
