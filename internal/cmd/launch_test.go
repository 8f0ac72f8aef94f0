package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gpubatch/internal/config"
	"github.com/3leaps/gpubatch/pkg/allocator"
	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/jobregistry"
	"github.com/3leaps/gpubatch/pkg/output"
	"github.com/3leaps/gpubatch/pkg/planner"
	"github.com/3leaps/gpubatch/pkg/runstore"
)

// fakeAllocator acts like the cluster tool: "gpus" prints a descriptor path,
// "run" drops the handle and execs the rest of the command line.
const fakeAllocator = `#!/bin/sh
case "$1" in
  gpus)
    h="$GPUBATCH_TEST_ALLOC_DIR/alloc.$$"
    : > "$h"
    echo "$h"
    ;;
  run)
    shift
    [ "$1" = dryrun ] && shift
    shift
    exec "$@"
    ;;
  *)
    exit 2
    ;;
esac
`

const failingAllocator = `#!/bin/sh
echo "no gpus available" >&2
exit 4
`

const jobScript = `for a in "$@"; do
  case "$a" in
    fail=1) echo "boom" >&2; exit 3;;
  esac
done
echo "ran $*"
`

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func testConfig(t *testing.T, allocatorBody string) (*config.Config, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	allocDir := filepath.Join(dir, "alloc")
	require.NoError(t, os.MkdirAll(allocDir, 0o755))
	t.Setenv("GPUBATCH_TEST_ALLOC_DIR", allocDir)

	cfg := &config.Config{}
	cfg.Launcher.NumGPUs = 1
	cfg.Launcher.MinGPUsPerHost = 1
	cfg.Launcher.WaitForAvailable = -1
	cfg.Allocator.Executable = writeExecutable(t, dir, "ccc", allocatorBody)
	cfg.Allocator.AcquireArgs = []string{"gpus"}
	cfg.Allocator.RunArgs = []string{"run"}
	cfg.Task.Script = writeExecutable(t, dir, "job.sh", jobScript)
	cfg.Task.Interpreter = "sh"
	cfg.Task.WorkingDir = dir
	cfg.Jobs.Root = filepath.Join(dir, "jobs")
	cfg.Jobs.Record = true
	cfg.History.Enabled = true
	cfg.History.DB = filepath.Join(dir, "history.db")
	return cfg, allocDir
}

func readRecords(t *testing.T, b []byte) []output.Record {
	t.Helper()
	var recs []output.Record
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), "line: %s", sc.Text())
		recs = append(recs, r)
	}
	require.NoError(t, sc.Err())
	return recs
}

func TestBuildSpecs(t *testing.T) {
	tests := []struct {
		name     string
		tokens   []string
		multirun bool
		start    int
		want     [][]string
		wantErr  bool
	}{
		{name: "single job", tokens: []string{"lr=0.1", "seed=1"}, want: [][]string{{"lr=0.1", "seed=1"}}},
		{name: "no overrides", tokens: nil, want: [][]string{{}}},
		{name: "commas kept without multirun", tokens: []string{"tags=[a,b]"}, want: [][]string{{"tags=[a,b]"}}},
		{name: "sweep", tokens: []string{"lr=0.1,0.01", "seed=1"}, multirun: true, want: [][]string{{"lr=0.1", "seed=1"}, {"lr=0.01", "seed=1"}}},
		{name: "start index", tokens: []string{"a=1,2"}, multirun: true, start: 5, want: [][]string{{"a=1"}, {"a=2"}}},
		{name: "invalid token", tokens: []string{"noequals"}, wantErr: true},
		{name: "invalid sweep token", tokens: []string{"noequals"}, multirun: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := buildSpecs(tt.tokens, tt.multirun, tt.start)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, specs, len(tt.want))
			for i, s := range specs {
				assert.Equal(t, i, s.Index)
				assert.Equal(t, tt.start+i, s.Num)
				assert.ElementsMatch(t, tt.want[i], s.Overrides)
			}
		})
	}
}

func TestDetachedArgs(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want []string
	}{
		{
			name: "drops subcommand and flag",
			argv: []string{"launch", "--detach", "-m", "--script", "train.py", "lr=0.1,0.2"},
			want: []string{"-m", "--script", "train.py", "lr=0.1,0.2"},
		},
		{
			name: "global flags before subcommand",
			argv: []string{"--config", "c.yaml", "launch", "--detach=true", "seed=1"},
			want: []string{"--config", "c.yaml", "seed=1"},
		},
		{
			name: "override named launch is kept",
			argv: []string{"launch", "--detach", "launch"},
			want: []string{"launch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detachedArgs(tt.argv))
		})
	}
}

func TestLaunchConfigOverrides(t *testing.T) {
	c := &cobra.Command{}
	c.Flags().Int("gpus", 0, "")
	c.Flags().String("hosts", "", "")
	c.Flags().Bool("dry-run", false, "")
	c.Flags().Float64("launch-rate", 0, "")
	c.Flags().String("script", "", "")

	require.NoError(t, c.Flags().Set("gpus", "4"))
	require.NoError(t, c.Flags().Set("dry-run", "true"))
	require.NoError(t, c.Flags().Set("launch-rate", "2.5"))
	require.NoError(t, c.Flags().Set("script", "train.py"))

	ov, err := launchConfigOverrides(c)
	require.NoError(t, err)

	launcher, ok := ov["launcher"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4, launcher["num_gpus"])
	assert.Equal(t, true, launcher["dryrun"])
	assert.Equal(t, 2.5, launcher["launch_rate"])
	assert.NotContains(t, launcher, "hosts", "unset flags must not override config")

	task, ok := ov["task"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "train.py", task["script"])
}

func TestLaunchCommandFlags(t *testing.T) {
	assert.Equal(t, launchCmdName, launchCmd.Name())

	wait := launchCmd.Flags().Lookup("wait")
	require.NotNil(t, wait)
	assert.Equal(t, strconv.Itoa(int(allocator.WaitNone)), wait.DefValue, "help shows the configured default")

	v := viper.New()
	config.SetDefaults(v)
	assert.Equal(t, wait.DefValue, v.GetString("launcher.wait_for_available"))
}

func TestTaskName(t *testing.T) {
	cfg := &config.Config{}
	cfg.Task.Script = "/src/models/train.py"
	assert.Equal(t, "train", taskName(cfg))

	cfg.Task.Name = "sweep"
	assert.Equal(t, "sweep", taskName(cfg))
}

func TestClassifyBatchError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantExit int
		wantCode string
	}{
		{"cancelled", context.Canceled, foundry.ExitSignalInt, output.ErrCodeCancelled},
		{"allocation", &allocator.AllocationError{Args: []string{"ccc"}, ExitCode: 1, Err: errors.New("exit")}, foundry.ExitExternalServiceUnavailable, output.ErrCodeAllocation},
		{"script missing", &planner.PlanningError{Op: "script", Err: planner.ErrScriptNotFound}, foundry.ExitFileNotFound, output.ErrCodePlanning},
		{"resolve failed", &planner.PlanningError{JobID: "job_0", Op: "resolve", Err: errors.New("bad key")}, foundry.ExitInvalidArgument, output.ErrCodePlanning},
		{"other", errors.New("boom"), foundry.ExitInvalidArgument, output.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exit, code := classifyBatchError(tt.err)
			assert.Equal(t, tt.wantExit, exit)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRunBatch_Sweep(t *testing.T) {
	cfg, allocDir := testConfig(t, fakeAllocator)

	var buf bytes.Buffer
	res, err := runBatch(context.Background(), cfg, launchOptions{
		Overrides: []string{"fail=0,1,0"},
		Multirun:  true,
		EmitState: true,
	}, &buf)
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, job.StatusCompleted, res.Outcomes[0].Status)
	assert.Equal(t, job.StatusFailed, res.Outcomes[1].Status)
	assert.Equal(t, 3, res.Outcomes[1].ExitCode)
	assert.Equal(t, job.StatusCompleted, res.Outcomes[2].Status)
	assert.Equal(t, 1, res.Summary.Failed)
	assert.NotEmpty(t, res.Handle)

	// The descriptor is removed on release.
	left, err := os.ReadDir(allocDir)
	require.NoError(t, err)
	assert.Empty(t, left)

	recs := readRecords(t, buf.Bytes())
	var outcomes []output.OutcomeRecord
	var states []string
	var summary *output.SummaryRecord
	for _, r := range recs {
		assert.Equal(t, res.RunID, r.RunID)
		switch r.Type {
		case output.TypeOutcome:
			var o output.OutcomeRecord
			require.NoError(t, json.Unmarshal(r.Data, &o))
			outcomes = append(outcomes, o)
		case output.TypeState:
			var s output.StateRecord
			require.NoError(t, json.Unmarshal(r.Data, &s))
			states = append(states, s.State)
		case output.TypeSummary:
			summary = &output.SummaryRecord{}
			require.NoError(t, json.Unmarshal(r.Data, summary))
		}
	}
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, i, o.Index, "outcomes are written in job order")
	}
	assert.Equal(t, []string{"fail=1"}, outcomes[1].Overrides)
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, res.Handle.String(), summary.Handle)
	assert.Equal(t, []string{"ALLOCATING", "PLANNING", "LAUNCHING", "COLLECTING", "RELEASING", "DONE"}, states)

	// Registry.
	store := jobregistry.NewStore(cfg.Jobs.Root)
	run, err := store.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.RunStateDone, run.State)
	assert.Equal(t, 3, run.JobCount)
	assert.Equal(t, 1, run.Failed)
	logs, err := store.ReadLog(res.RunID, "job_0", jobregistry.StreamStdout, 0)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "ran fail=0")

	// History.
	db, err := runstore.Open(context.Background(), runstore.Config{Path: cfg.History.DB})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	b, err := runstore.GetBatch(context.Background(), db, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.JobCount)
	assert.Equal(t, 2, b.Completed)
	rows, err := runstore.GetOutcomes(context.Background(), db, res.RunID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRunBatch_AllocationFailure(t *testing.T) {
	cfg, _ := testConfig(t, failingAllocator)

	var buf bytes.Buffer
	res, err := runBatch(context.Background(), cfg, launchOptions{
		Overrides: []string{"seed=1,2"},
		Multirun:  true,
	}, &buf)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Empty(t, res.Outcomes)

	recs := readRecords(t, buf.Bytes())
	require.Len(t, recs, 1)
	assert.Equal(t, output.TypeError, recs[0].Type)
	var e output.ErrorRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &e))
	assert.Equal(t, output.ErrCodeAllocation, e.Code)
	assert.Contains(t, e.Message, "no gpus available")

	run, err := jobregistry.NewStore(cfg.Jobs.Root).GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.RunStateFailed, run.State)
	assert.NotEmpty(t, run.Error)

	// Both jobs were queued and none ran.
	jobs, err := jobregistry.NewStore(cfg.Jobs.Root).List(res.RunID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, jobregistry.JobStateQueued, j.State)
	}
}

func TestRunBatch_InvalidOverridesRejectedBeforeAllocation(t *testing.T) {
	cfg, allocDir := testConfig(t, fakeAllocator)

	var buf bytes.Buffer
	_, err := runBatch(context.Background(), cfg, launchOptions{
		Overrides: []string{"~missing"},
	}, &buf)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Empty(t, buf.String())

	left, err := os.ReadDir(allocDir)
	require.NoError(t, err)
	assert.Empty(t, left, "allocator must not be called")
}

func TestRunBatch_MissingBaseConfig(t *testing.T) {
	cfg, _ := testConfig(t, fakeAllocator)
	cfg.Task.ConfigName = "nope"
	cfg.Task.ConfigDir = t.TempDir()

	_, err := runBatch(context.Background(), cfg, launchOptions{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}

func TestRunBatch_NoRecord(t *testing.T) {
	cfg, _ := testConfig(t, fakeAllocator)

	res, err := runBatch(context.Background(), cfg, launchOptions{
		Overrides: []string{"seed=1"},
		NoRecord:  true,
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, job.StatusCompleted, res.Outcomes[0].Status)

	_, err = os.Stat(cfg.Jobs.Root)
	assert.True(t, os.IsNotExist(err), "no registry written")
	_, err = os.Stat(cfg.History.DB)
	assert.True(t, os.IsNotExist(err), "no history written")
}

func TestRunBatch_Cancelled(t *testing.T) {
	cfg, _ := testConfig(t, fakeAllocator)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := runBatch(ctx, cfg, launchOptions{Overrides: []string{"seed=1"}, NoRecord: true}, &buf)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitSignalInt, ExitCode(err))

	recs := readRecords(t, buf.Bytes())
	require.Len(t, recs, 1)
	var e output.ErrorRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &e))
	assert.Equal(t, output.ErrCodeCancelled, e.Code)
}
