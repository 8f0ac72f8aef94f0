// Package launcher runs a batch of jobs against one GPU allocation.
//
// A batch goes through a fixed sequence: acquire one allocation sized for the
// whole batch, plan every job's command, spawn every job, wait for all of
// them, and release the allocation. Once an allocation was acquired it is
// released exactly once on every exit path, including errors, caller
// cancellation and panics.
package launcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/gpubatch/pkg/allocator"
	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/overrides"
	"github.com/3leaps/gpubatch/pkg/planner"
	"github.com/3leaps/gpubatch/pkg/supervisor"
)

// State is the batch lifecycle state.
type State string

const (
	StateIdle       State = "IDLE"
	StateAllocating State = "ALLOCATING"
	StatePlanning   State = "PLANNING"
	StateLaunching  State = "LAUNCHING"
	StateCollecting State = "COLLECTING"
	StateReleasing  State = "RELEASING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// IsTerminal reports whether the batch has finished.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Allocator acquires and releases the batch allocation.
type Allocator interface {
	Acquire(ctx context.Context, req allocator.Request) (allocator.Handle, error)
	Release(ctx context.Context, h allocator.Handle) error
}

// Planner builds per-job launch commands.
type Planner interface {
	Prepare() error
	Plan(ctx context.Context, spec job.Spec, h allocator.Handle) (*planner.Plan, error)
}

// Supervisor spawns and collects job processes.
type Supervisor interface {
	LaunchAll(ctx context.Context, launches []supervisor.Launch) []*supervisor.Running
	Collect(ctx context.Context, running []*supervisor.Running) []job.Outcome
}

var (
	_ Allocator  = (*allocator.Client)(nil)
	_ Planner    = (*planner.Planner)(nil)
	_ Supervisor = (*supervisor.Supervisor)(nil)
)

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithStateHook registers a callback invoked on every state transition.
// The hook runs synchronously on the launching goroutine.
func WithStateHook(fn func(State)) Option {
	return func(l *Launcher) {
		l.hook = fn
	}
}

// WithBatchID tags log lines with a batch identifier.
func WithBatchID(id string) Option {
	return func(l *Launcher) {
		l.batchID = id
	}
}

// Launcher orchestrates one batch at a time.
type Launcher struct {
	alloc Allocator
	plan  Planner
	sup   Supervisor
	req   allocator.Request

	logger  *zap.Logger
	hook    func(State)
	batchID string

	mu     sync.Mutex
	state  State
	handle allocator.Handle
}

// New creates a Launcher. req.Tasks is ignored; every batch requests one
// task per job.
func New(alloc Allocator, plan Planner, sup Supervisor, req allocator.Request, opts ...Option) *Launcher {
	l := &Launcher{
		alloc:  alloc,
		plan:   plan,
		sup:    sup,
		req:    req,
		logger: zap.NewNop(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.batchID != "" {
		l.logger = l.logger.With(zap.String("batch_id", l.batchID))
	}
	return l
}

// State returns the current batch state.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Handle returns the allocation handle of the current or last batch.
func (l *Launcher) Handle() allocator.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

func (l *Launcher) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()

	l.logger.Debug("batch state", zap.String("state", string(s)))
	if l.hook != nil {
		l.hook(s)
	}
}

// Launch runs specs as one batch and returns one outcome per spec, in order.
//
// An error means the batch was abandoned before any job ran (allocation or
// planning failed, or ctx was cancelled before spawning). Individual job
// failures are reported in the outcomes, not as an error. An empty batch
// returns an empty slice without contacting the allocator.
func (l *Launcher) Launch(ctx context.Context, specs []job.Spec) (outcomes []job.Outcome, err error) {
	l.mu.Lock()
	l.handle = ""
	l.mu.Unlock()

	if len(specs) == 0 {
		l.logger.Info("empty batch, nothing to launch")
		l.setState(StateDone)
		return []job.Outcome{}, nil
	}

	l.setState(StateAllocating)
	if err := ctx.Err(); err != nil {
		l.setState(StateFailed)
		return nil, fmt.Errorf("batch cancelled before allocation: %w", err)
	}

	req := l.req.WithTasks(len(specs))
	handle, err := l.alloc.Acquire(ctx, req)
	if err != nil {
		l.logger.Error("allocation failed", zap.Error(err))
		l.setState(StateFailed)
		return nil, err
	}

	l.mu.Lock()
	l.handle = handle
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.setState(StateReleasing)
			if rerr := l.alloc.Release(context.WithoutCancel(ctx), handle); rerr != nil {
				l.logger.Warn("release failed", zap.String("handle", handle.String()), zap.Error(rerr))
			}
		})
	}
	finished := false
	defer func() {
		release()
		if err != nil || !finished {
			l.setState(StateFailed)
			return
		}
		l.setState(StateDone)
	}()

	l.setState(StatePlanning)
	launches, err := l.planAll(ctx, specs, handle)
	if err != nil {
		l.logger.Error("planning failed", zap.Error(err))
		return nil, err
	}

	l.setState(StateLaunching)
	l.logger.Info("launching jobs", zap.Int("jobs", len(launches)), zap.String("handle", handle.String()))
	running := l.sup.LaunchAll(ctx, launches)

	l.setState(StateCollecting)
	outcomes = l.sup.Collect(ctx, running)

	summary := job.Summarize(outcomes)
	l.logger.Info("batch finished",
		zap.Int("total", summary.Total),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
	)
	finished = true
	return outcomes, nil
}

func (l *Launcher) planAll(ctx context.Context, specs []job.Spec, handle allocator.Handle) ([]supervisor.Launch, error) {
	if err := l.plan.Prepare(); err != nil {
		return nil, err
	}

	launches := make([]supervisor.Launch, 0, len(specs))
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("batch cancelled during planning: %w", err)
		}
		p, err := l.plan.Plan(ctx, spec, handle)
		if err != nil {
			return nil, err
		}
		l.logger.Info("job planned",
			zap.String("job_id", spec.ID()),
			zap.Strings("overrides", overrides.Filter(spec.Overrides)),
			zap.String("command", p.Command.String()),
		)
		launches = append(launches, supervisor.Launch{
			Spec:    p.Spec,
			Command: p.Command,
			Config:  p.Config,
		})
	}
	return launches, nil
}
