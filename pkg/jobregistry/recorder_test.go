package jobregistry

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/supervisor"
)

func TestRecorder_TracksBatch(t *testing.T) {
	store := NewStore(t.TempDir())
	rec, err := NewRecorder(store, RunRecord{RunID: "run-1", TaskName: "train"}, nil)
	require.NoError(t, err)

	specs := job.NewSpecs([][]string{{"a=1"}, {"a=2"}}, 10)
	require.NoError(t, rec.Queue(specs, "train"))

	queued, err := store.List("run-1")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, JobStateQueued, queued[0].State)
	assert.Equal(t, "job_10", queued[0].JobID)

	rec.SetState("LAUNCHING", "/tmp/gpus")

	sup := supervisor.New(supervisor.Config{TaskName: "train"},
		supervisor.WithObserver(rec),
		supervisor.WithLogSink(rec),
	)
	outcomes := sup.Run(context.Background(), []supervisor.Launch{
		{Spec: specs[0], Command: job.Command{"/bin/sh", "-c", "echo out; echo err >&2"}},
		{Spec: specs[1], Command: job.Command{"/bin/sh", "-c", "exit 4"}},
	})
	rec.SetState(RunStateDone, "")
	rec.Finish(outcomes, nil)

	jobs, err := store.List("run-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, JobStateSuccess, jobs[0].State)
	require.NotNil(t, jobs[0].ExitCode)
	assert.Equal(t, 0, *jobs[0].ExitCode)
	assert.NotZero(t, jobs[0].PID)
	assert.NotEmpty(t, jobs[0].Command)

	assert.Equal(t, JobStateFailed, jobs[1].State)
	require.NotNil(t, jobs[1].ExitCode)
	assert.Equal(t, 4, *jobs[1].ExitCode)
	assert.Contains(t, jobs[1].Error, "exited with code 4")

	stdout, err := os.ReadFile(jobs[0].StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(stdout))
	stderr, err := os.ReadFile(jobs[0].StderrPath)
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(stderr))

	run, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateDone, run.State)
	assert.Equal(t, "/tmp/gpus", run.Handle)
	assert.Equal(t, 2, run.JobCount)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, os.Getpid(), run.PID)
	assert.NotNil(t, run.EndedAt)
}

func TestRecorder_FinishWithError(t *testing.T) {
	store := NewStore(t.TempDir())
	rec, err := NewRecorder(store, RunRecord{RunID: "run-2"}, nil)
	require.NoError(t, err)

	rec.Finish(nil, errors.New("acquire gpus: no gpus"))

	run, err := store.GetRun("run-2")
	require.NoError(t, err)
	assert.Equal(t, RunStateFailed, run.State)
	assert.Equal(t, "acquire gpus: no gpus", run.Error)
	assert.NotNil(t, run.EndedAt)
}

func TestRecorder_UnqueuedJobStillRecorded(t *testing.T) {
	store := NewStore(t.TempDir())
	rec, err := NewRecorder(store, RunRecord{RunID: "run-3"}, nil)
	require.NoError(t, err)

	o := job.NewOutcome(job.Spec{Num: 5, Index: 0}, "t", "/w")
	o.Status = job.StatusFailed
	rec.JobFinished(o)

	got, err := store.Get("run-3", "job_5")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Equal(t, "/w", got.WorkingDir)
}

func TestStateFromStatus(t *testing.T) {
	assert.Equal(t, JobStateSuccess, StateFromStatus(job.StatusCompleted))
	assert.Equal(t, JobStateFailed, StateFromStatus(job.StatusFailed))
	assert.Equal(t, JobStateUnknown, StateFromStatus(job.StatusUnknown))
	assert.True(t, JobStateFailed.IsTerminal())
	assert.False(t, JobStateRunning.IsTerminal())
}
