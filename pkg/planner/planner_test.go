package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gpubatch/pkg/allocator"
	"github.com/3leaps/gpubatch/pkg/job"
)

func writeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.py")
	require.NoError(t, os.WriteFile(path, []byte("print('hi')\n"), 0o644))
	return path
}

func fixedLookPath(path string) func(string) (string, error) {
	return func(string) (string, error) { return path, nil }
}

func TestPlan_CommandLayout(t *testing.T) {
	script := writeScript(t)
	handle := allocator.Handle("/tmp/gpus-1")
	spec := job.Spec{Overrides: []string{"lr=0.1", "seed=3"}, Index: 0, Num: 4}

	tests := []struct {
		name string
		cfg  Config
		want job.Command
	}{
		{
			name: "minimal",
			cfg:  Config{Script: script},
			want: job.Command{"ccc", "run", "/tmp/gpus-1", "/usr/bin/python3", script, "lr=0.1", "seed=3"},
		},
		{
			name: "dry run marker after entrypoint",
			cfg:  Config{Script: script, DryRun: true},
			want: job.Command{"ccc", "run", "dryrun", "/tmp/gpus-1", "/usr/bin/python3", script, "lr=0.1", "seed=3"},
		},
		{
			name: "config location flags",
			cfg: Config{
				Entrypoint: []string{"/opt/ccc", "run"},
				Script:     script,
				ConfigName: "train",
				ConfigDir:  "/cfg",
				ConfigPath: "conf",
			},
			want: job.Command{
				"/opt/ccc", "run", "/tmp/gpus-1", "/usr/bin/python3", script,
				"--config-name", "train",
				"--config-dir", "/cfg",
				"--config-path", "conf",
				"lr=0.1", "seed=3",
			},
		},
		{
			name: "only config name",
			cfg:  Config{Script: script, ConfigName: "train"},
			want: job.Command{"ccc", "run", "/tmp/gpus-1", "/usr/bin/python3", script, "--config-name", "train", "lr=0.1", "seed=3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, nil, WithLookPath(fixedLookPath("/usr/bin/python3")))
			require.NoError(t, p.Prepare())

			plan, err := p.Plan(context.Background(), spec, handle)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Command)
			assert.Equal(t, spec, plan.Spec)
			assert.NotNil(t, plan.Config)
		})
	}
}

func TestPlan_DryRunMarkerPosition(t *testing.T) {
	script := writeScript(t)
	p := New(Config{Entrypoint: []string{"ccc", "run"}, Script: script, DryRun: true}, nil,
		WithLookPath(fixedLookPath("/usr/bin/python3")))
	require.NoError(t, p.Prepare())

	plan, err := p.Plan(context.Background(), job.Spec{Num: 0}, "/h")
	require.NoError(t, err)

	cmd := plan.Command
	assert.Equal(t, DryRunMarker, cmd[2])
	assert.Equal(t, "/h", cmd[3])
	assert.Equal(t, script, cmd[5])
}

func TestPlan_ResolverOutputCarried(t *testing.T) {
	script := writeScript(t)
	var seen []string
	resolver := ConfigResolverFunc(func(_ context.Context, overrides []string) (map[string]any, error) {
		seen = overrides
		return map[string]any{"lr": 0.1}, nil
	})

	p := New(Config{Script: script}, resolver, WithLookPath(fixedLookPath("/usr/bin/python3")))
	require.NoError(t, p.Prepare())

	plan, err := p.Plan(context.Background(), job.Spec{Overrides: []string{"lr=0.1"}, Num: 1}, "/h")
	require.NoError(t, err)
	assert.Equal(t, []string{"lr=0.1"}, seen)
	assert.Equal(t, map[string]any{"lr": 0.1}, plan.Config)
}

func TestPlan_ResolverFailure(t *testing.T) {
	script := writeScript(t)
	boom := errors.New("bad override")
	resolver := ConfigResolverFunc(func(context.Context, []string) (map[string]any, error) {
		return nil, boom
	})

	p := New(Config{Script: script}, resolver, WithLookPath(fixedLookPath("/usr/bin/python3")))
	require.NoError(t, p.Prepare())

	_, err := p.Plan(context.Background(), job.Spec{Num: 7}, "/h")
	require.Error(t, err)
	assert.True(t, IsPlanningError(err))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "job_7")
}

func TestPlan_RequiresPrepare(t *testing.T) {
	p := New(Config{Script: "x.py"}, nil)
	_, err := p.Plan(context.Background(), job.Spec{}, "/h")
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestPlan_CancelledContext(t *testing.T) {
	script := writeScript(t)
	p := New(Config{Script: script}, nil, WithLookPath(fixedLookPath("/usr/bin/python3")))
	require.NoError(t, p.Prepare())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Plan(ctx, job.Spec{}, "/h")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrepare(t *testing.T) {
	script := writeScript(t)
	dir := t.TempDir()

	t.Run("relative script resolved to absolute", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		rel, err := filepath.Rel(wd, script)
		require.NoError(t, err)

		p := New(Config{Script: rel}, nil, WithLookPath(fixedLookPath("/usr/bin/python3")))
		require.NoError(t, p.Prepare())
		assert.Equal(t, script, p.Script())
	})

	tests := []struct {
		name   string
		cfg    Config
		look   func(string) (string, error)
		wantIs error
	}{
		{name: "no script", cfg: Config{}, wantIs: ErrScriptNotFound},
		{name: "missing script", cfg: Config{Script: filepath.Join(dir, "nope.py")}, wantIs: ErrScriptNotFound},
		{name: "script is a directory", cfg: Config{Script: dir}, wantIs: ErrScriptNotFound},
		{
			name:   "interpreter not on path",
			cfg:    Config{Script: script, Interpreter: "python9"},
			look:   func(string) (string, error) { return "", errors.New("not found") },
			wantIs: ErrInterpreterNotFound,
		},
		{
			name:   "absolute interpreter missing",
			cfg:    Config{Script: script, Interpreter: filepath.Join(dir, "python")},
			wantIs: ErrInterpreterNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			look := tt.look
			if look == nil {
				look = fixedLookPath("/usr/bin/python3")
			}
			p := New(tt.cfg, nil, WithLookPath(look))
			err := p.Prepare()
			require.Error(t, err)
			assert.True(t, IsPlanningError(err))
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}

	t.Run("absolute interpreter used as is", func(t *testing.T) {
		interp := filepath.Join(dir, "python")
		require.NoError(t, os.WriteFile(interp, []byte("#!/bin/sh\n"), 0o755))

		p := New(Config{Script: script, Interpreter: interp}, nil,
			WithLookPath(func(string) (string, error) { return "", errors.New("should not be called") }))
		require.NoError(t, p.Prepare())

		plan, err := p.Plan(context.Background(), job.Spec{}, "/h")
		require.NoError(t, err)
		assert.Equal(t, interp, plan.Command[3])
	})
}
