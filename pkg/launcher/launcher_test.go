package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gpubatch/pkg/allocator"
	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/planner"
	"github.com/3leaps/gpubatch/pkg/supervisor"
)

type fakeAllocator struct {
	mu         sync.Mutex
	handle     allocator.Handle
	acquireErr error
	releaseErr error
	onAcquire  func()

	requests    []allocator.Request
	releases    int
	releaseCtxs []error
}

func (f *fakeAllocator) Acquire(_ context.Context, req allocator.Request) (allocator.Handle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.onAcquire != nil {
		f.onAcquire()
	}
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	return f.handle, nil
}

func (f *fakeAllocator) Release(ctx context.Context, _ allocator.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.releaseCtxs = append(f.releaseCtxs, ctx.Err())
	return f.releaseErr
}

// countingSupervisor counts spawn attempts on top of a real supervisor.
type countingSupervisor struct {
	*supervisor.Supervisor
	mu       sync.Mutex
	launched int
}

func (c *countingSupervisor) LaunchAll(ctx context.Context, launches []supervisor.Launch) []*supervisor.Running {
	c.mu.Lock()
	c.launched += len(launches)
	c.mu.Unlock()
	return c.Supervisor.LaunchAll(ctx, launches)
}

type panicSupervisor struct{}

func (panicSupervisor) LaunchAll(context.Context, []supervisor.Launch) []*supervisor.Running {
	panic("supervisor exploded")
}

func (panicSupervisor) Collect(context.Context, []*supervisor.Running) []job.Outcome {
	return nil
}

type funcPlanner struct {
	prepareErr error
	plan       func(spec job.Spec, h allocator.Handle) (*planner.Plan, error)
}

func (f funcPlanner) Prepare() error { return f.prepareErr }

func (f funcPlanner) Plan(_ context.Context, spec job.Spec, h allocator.Handle) (*planner.Plan, error) {
	return f.plan(spec, h)
}

// shPlanner builds a real planner whose entrypoint is an inline shell script.
// Positional args: $1 handle, $2 interpreter, $3 script, $4... overrides.
func shPlanner(t *testing.T, body string, dryRun bool) *planner.Planner {
	t.Helper()
	script := filepath.Join(t.TempDir(), "task.py")
	require.NoError(t, os.WriteFile(script, []byte("# task\n"), 0o644))
	p := planner.New(planner.Config{
		Entrypoint:  []string{"/bin/sh", "-c", body, "sh"},
		Interpreter: "/bin/sh",
		Script:      script,
		DryRun:      dryRun,
	}, nil)
	return p
}

const failOnOverride = `case "$4" in fail=1) echo "failing $4" >&2; exit 1;; esac; echo "$1"`

func newRequest() allocator.Request {
	return allocator.Request{GPUs: 2, MinGPUsPerHost: 1, Wait: allocator.WaitNone}
}

func specs(overrides ...string) []job.Spec {
	sets := make([][]string, len(overrides))
	for i, ov := range overrides {
		sets[i] = []string{ov}
	}
	return job.NewSpecs(sets, 0)
}

func TestLaunch_OutcomesInInputOrder(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus-abc"}
	var states []State
	l := New(alloc, shPlanner(t, failOnOverride, false), supervisor.New(supervisor.Config{TaskName: "train"}), newRequest(),
		WithStateHook(func(s State) { states = append(states, s) }),
		WithBatchID("batch-1"),
	)

	in := specs("a=1", "a=2", "a=3", "a=4")
	outcomes, err := l.Launch(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, outcomes, len(in))

	for i, o := range outcomes {
		assert.Equal(t, in[i].ID(), o.JobID)
		assert.Equal(t, in[i].Overrides, o.Overrides)
		assert.Equal(t, job.StatusCompleted, o.Status)
		assert.Equal(t, "/tmp/gpus-abc\n", o.Stdout)
		assert.Equal(t, "train", o.TaskName)
	}

	require.Len(t, alloc.requests, 1)
	assert.Equal(t, len(in), alloc.requests[0].Tasks)
	assert.Equal(t, 1, alloc.releases)

	assert.Equal(t, []State{
		StateAllocating, StatePlanning, StateLaunching, StateCollecting, StateReleasing, StateDone,
	}, states)
	assert.Equal(t, StateDone, l.State())
	assert.Equal(t, allocator.Handle("/tmp/gpus-abc"), l.Handle())
}

func TestLaunch_AllocationFailureSpawnsNothing(t *testing.T) {
	boom := &allocator.AllocationError{Args: []string{"ccc", "gpus"}, ExitCode: 1, Err: errors.New("no gpus")}
	alloc := &fakeAllocator{acquireErr: boom}
	sup := &countingSupervisor{Supervisor: supervisor.New(supervisor.Config{})}

	l := New(alloc, shPlanner(t, failOnOverride, false), sup, newRequest())
	outcomes, err := l.Launch(context.Background(), specs("a=1", "a=2"))

	require.Error(t, err)
	assert.True(t, allocator.IsAllocationError(err))
	assert.Nil(t, outcomes)
	assert.Zero(t, sup.launched)
	assert.Zero(t, alloc.releases)
	assert.Equal(t, StateFailed, l.State())
}

func TestLaunch_OneJobFails(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	l := New(alloc, shPlanner(t, failOnOverride, false), supervisor.New(supervisor.Config{}), newRequest())

	outcomes, err := l.Launch(context.Background(), specs("fail=0", "fail=1", "fail=0"))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, job.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, job.StatusFailed, outcomes[1].Status)
	assert.Equal(t, 1, outcomes[1].ExitCode)
	assert.Contains(t, outcomes[1].Stderr, "failing fail=1")
	assert.Equal(t, job.StatusCompleted, outcomes[2].Status)
	assert.Equal(t, 1, alloc.releases)
	assert.Equal(t, StateDone, l.State())
}

func TestLaunch_SpawnFailureInMiddle(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	missing := filepath.Join(t.TempDir(), "missing-entrypoint")
	p := funcPlanner{plan: func(spec job.Spec, h allocator.Handle) (*planner.Plan, error) {
		cmd := job.Command{"/bin/sh", "-c", "exit 0", "sh", h.String()}
		if spec.Index == 1 {
			cmd = job.Command{missing, h.String()}
		}
		return &planner.Plan{Spec: spec, Command: cmd}, nil
	}}

	l := New(alloc, p, supervisor.New(supervisor.Config{}), newRequest())
	outcomes, err := l.Launch(context.Background(), specs("x=1", "x=2", "x=3"))
	require.NoError(t, err)

	statuses := make([]job.Status, len(outcomes))
	for i, o := range outcomes {
		statuses[i] = o.Status
	}
	assert.Equal(t, []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCompleted}, statuses)
	assert.Contains(t, outcomes[1].Error, "spawn job_1")
	assert.Equal(t, 1, alloc.releases)
}

func TestLaunch_PlanningFailureReleasesAndSpawnsNothing(t *testing.T) {
	tests := []struct {
		name string
		p    Planner
	}{
		{
			name: "prepare fails",
			p:    funcPlanner{prepareErr: &planner.PlanningError{Op: "script", Err: planner.ErrScriptNotFound}},
		},
		{
			name: "second job fails",
			p: funcPlanner{plan: func(spec job.Spec, h allocator.Handle) (*planner.Plan, error) {
				if spec.Index == 1 {
					return nil, &planner.PlanningError{JobID: spec.ID(), Op: "resolve", Err: errors.New("bad override")}
				}
				return &planner.Plan{Spec: spec, Command: job.Command{"/bin/true"}}, nil
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := &fakeAllocator{handle: "/tmp/gpus"}
			sup := &countingSupervisor{Supervisor: supervisor.New(supervisor.Config{})}
			var states []State
			l := New(alloc, tt.p, sup, newRequest(), WithStateHook(func(s State) { states = append(states, s) }))

			outcomes, err := l.Launch(context.Background(), specs("a=1", "a=2", "a=3"))
			require.Error(t, err)
			assert.True(t, planner.IsPlanningError(err))
			assert.Nil(t, outcomes)
			assert.Zero(t, sup.launched)
			assert.Equal(t, 1, alloc.releases)
			assert.Equal(t, []State{StateAllocating, StatePlanning, StateReleasing, StateFailed}, states)
		})
	}
}

func TestLaunch_ReleaseExactlyOnceAcrossBatches(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus", releaseErr: errors.New("permission denied")}
	l := New(alloc, shPlanner(t, failOnOverride, false), supervisor.New(supervisor.Config{}), newRequest())

	for i := 1; i <= 3; i++ {
		outcomes, err := l.Launch(context.Background(), specs("fail=1", "fail=0"))
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, outcomes[0].Status)
		assert.Equal(t, job.StatusCompleted, outcomes[1].Status)
		assert.Equal(t, i, alloc.releases)
	}
}

func TestLaunch_EmptyBatch(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	l := New(alloc, shPlanner(t, failOnOverride, false), supervisor.New(supervisor.Config{}), newRequest())

	outcomes, err := l.Launch(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, outcomes)
	assert.Empty(t, outcomes)
	assert.Empty(t, alloc.requests)
	assert.Zero(t, alloc.releases)
	assert.Equal(t, StateDone, l.State())
}

func TestLaunch_CancelledBeforeAllocation(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	l := New(alloc, shPlanner(t, failOnOverride, false), supervisor.New(supervisor.Config{}), newRequest())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Launch(ctx, specs("a=1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, alloc.requests)
	assert.Zero(t, alloc.releases)
	assert.Equal(t, StateFailed, l.State())
}

func TestLaunch_CancelledAfterAllocationStillReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	alloc := &fakeAllocator{handle: "/tmp/gpus", onAcquire: cancel}
	sup := &countingSupervisor{Supervisor: supervisor.New(supervisor.Config{})}
	l := New(alloc, shPlanner(t, failOnOverride, false), sup, newRequest())

	_, err := l.Launch(ctx, specs("a=1", "a=2"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sup.launched)
	require.Equal(t, 1, alloc.releases)
	assert.NoError(t, alloc.releaseCtxs[0], "release must not inherit the caller's cancellation")
	assert.Equal(t, StateFailed, l.State())
}

func TestLaunch_PanicStillReleases(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	l := New(alloc, shPlanner(t, failOnOverride, false), panicSupervisor{}, newRequest())

	assert.Panics(t, func() {
		_, _ = l.Launch(context.Background(), specs("a=1"))
	})
	assert.Equal(t, 1, alloc.releases)
}

func TestLaunch_DryRunMarker(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	l := New(alloc, shPlanner(t, `echo "$@"`, true), supervisor.New(supervisor.Config{}), newRequest())

	outcomes, err := l.Launch(context.Background(), specs("lr=0.1"))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	fields := strings.Fields(outcomes[0].Stdout)
	require.Len(t, fields, 5)
	assert.Equal(t, "dryrun", fields[0])
	assert.Equal(t, "/tmp/gpus", fields[1])
	assert.Equal(t, "/bin/sh", fields[2])
	assert.True(t, strings.HasSuffix(fields[3], "task.py"))
	assert.Equal(t, "lr=0.1", fields[4])
}

func TestLaunch_RequestedFlagsOmitHosts(t *testing.T) {
	alloc := &fakeAllocator{handle: "/tmp/gpus"}
	l := New(alloc, shPlanner(t, failOnOverride, false), supervisor.New(supervisor.Config{}), newRequest())

	_, err := l.Launch(context.Background(), specs("a=1", "a=2"))
	require.NoError(t, err)
	require.Len(t, alloc.requests, 1)

	args := alloc.requests[0].Args()
	assert.NotContains(t, args, "--hosts")
	assert.Contains(t, strings.Join(args, " "), "--gpus 2 --tasks 2 --min_gpus_per_host 1")
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateReleasing.IsTerminal())
	assert.False(t, StateIdle.IsTerminal())
}
