// Package planner turns job specs into launch commands bound to an allocation.
package planner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/gpubatch/pkg/allocator"
	"github.com/3leaps/gpubatch/pkg/job"
)

// DryRunMarker is inserted after the run entrypoint when the batch is a dry run.
const DryRunMarker = "dryrun"

// ConfigResolver computes a job's effective configuration from its overrides.
type ConfigResolver interface {
	Resolve(ctx context.Context, overrides []string) (map[string]any, error)
}

// ConfigResolverFunc adapts a function to ConfigResolver.
type ConfigResolverFunc func(ctx context.Context, overrides []string) (map[string]any, error)

// Resolve calls f.
func (f ConfigResolverFunc) Resolve(ctx context.Context, overrides []string) (map[string]any, error) {
	return f(ctx, overrides)
}

// Config is the batch context the planner needs.
type Config struct {
	// Entrypoint is the allocator's run command, e.g. ["ccc", "run"].
	Entrypoint []string

	// Interpreter runs the task script. Absolute paths are used as is, bare
	// names are looked up on PATH. Default: "python3".
	Interpreter string

	// Script is the task's defining script.
	Script string

	// Optional configuration location passed through to the task.
	ConfigName string
	ConfigDir  string
	ConfigPath string

	// DryRun inserts DryRunMarker after the entrypoint.
	DryRun bool
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		Entrypoint:  []string{"ccc", "run"},
		Interpreter: "python3",
	}
}

// Plan is one job's launch plan.
type Plan struct {
	Spec    job.Spec
	Command job.Command
	Config  map[string]any
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLookPath replaces the PATH lookup used for the interpreter.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(p *Planner) {
		if fn != nil {
			p.lookPath = fn
		}
	}
}

// Planner builds launch commands. Prepare must succeed before Plan.
type Planner struct {
	cfg      Config
	resolver ConfigResolver
	logger   *zap.Logger
	lookPath func(string) (string, error)

	script      string
	interpreter string
	prepared    bool
}

// New creates a Planner. A nil resolver yields an empty configuration map
// for every job.
func New(cfg Config, resolver ConfigResolver, opts ...Option) *Planner {
	defaults := DefaultConfig()
	if len(cfg.Entrypoint) == 0 {
		cfg.Entrypoint = defaults.Entrypoint
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaults.Interpreter
	}

	p := &Planner{
		cfg:      cfg,
		resolver: resolver,
		logger:   zap.NewNop(),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare resolves the script and interpreter once per batch.
func (p *Planner) Prepare() error {
	script, err := resolveScript(p.cfg.Script)
	if err != nil {
		return &PlanningError{Op: "script", Err: err}
	}

	interpreter, err := p.resolveInterpreter(p.cfg.Interpreter)
	if err != nil {
		return &PlanningError{Op: "interpreter", Err: err}
	}

	p.script = script
	p.interpreter = interpreter
	p.prepared = true

	p.logger.Debug("planner prepared",
		zap.String("script", script),
		zap.String("interpreter", interpreter),
	)
	return nil
}

// Script returns the resolved script path. Empty before Prepare.
func (p *Planner) Script() string {
	return p.script
}

// Plan builds the launch command for spec bound to handle.
func (p *Planner) Plan(ctx context.Context, spec job.Spec, handle allocator.Handle) (*Plan, error) {
	if !p.prepared {
		return nil, &PlanningError{JobID: spec.ID(), Op: "prepare", Err: ErrNotPrepared}
	}
	if err := ctx.Err(); err != nil {
		return nil, &PlanningError{JobID: spec.ID(), Op: "resolve", Err: err}
	}

	cfg := map[string]any{}
	if p.resolver != nil {
		resolved, err := p.resolver.Resolve(ctx, spec.Overrides)
		if err != nil {
			return nil, &PlanningError{JobID: spec.ID(), Op: "resolve", Err: err}
		}
		if resolved != nil {
			cfg = resolved
		}
	}

	return &Plan{
		Spec:    spec,
		Command: p.command(spec, handle),
		Config:  cfg,
	}, nil
}

func (p *Planner) command(spec job.Spec, handle allocator.Handle) job.Command {
	cmd := make(job.Command, 0, len(p.cfg.Entrypoint)+10+len(spec.Overrides))
	cmd = append(cmd, p.cfg.Entrypoint...)
	if p.cfg.DryRun {
		cmd = append(cmd, DryRunMarker)
	}
	cmd = append(cmd, handle.String(), p.interpreter, p.script)
	if p.cfg.ConfigName != "" {
		cmd = append(cmd, "--config-name", p.cfg.ConfigName)
	}
	if p.cfg.ConfigDir != "" {
		cmd = append(cmd, "--config-dir", p.cfg.ConfigDir)
	}
	if p.cfg.ConfigPath != "" {
		cmd = append(cmd, "--config-path", p.cfg.ConfigPath)
	}
	cmd = append(cmd, spec.Overrides...)
	return cmd
}

func resolveScript(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: no script configured", ErrScriptNotFound)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrScriptNotFound, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, abs)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, abs)
	}
	return abs, nil
}

func (p *Planner) resolveInterpreter(name string) (string, error) {
	if filepath.IsAbs(name) {
		info, err := os.Stat(name)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrInterpreterNotFound, name)
		}
		return name, nil
	}
	resolved, err := p.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInterpreterNotFound, name, err)
	}
	return resolved, nil
}
