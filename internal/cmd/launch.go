package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gpubatch/internal/config"
	"github.com/3leaps/gpubatch/internal/observability"
	"github.com/3leaps/gpubatch/pkg/allocator"
	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/jobregistry"
	"github.com/3leaps/gpubatch/pkg/launcher"
	"github.com/3leaps/gpubatch/pkg/output"
	"github.com/3leaps/gpubatch/pkg/overrides"
	"github.com/3leaps/gpubatch/pkg/planner"
	"github.com/3leaps/gpubatch/pkg/supervisor"
)

// launchCmdName is referenced by detachedArgs, which launchCmd reaches through
// RunE; using launchCmd.Name() there would be an initialization cycle.
const launchCmdName = "launch"

var launchCmd = &cobra.Command{
	Use:   launchCmdName + " [overrides...]",
	Short: "Launch a batch of jobs on one GPU allocation",
	Long: `Launch one job per override set on a single GPU allocation.

Each positional argument is a key=value override for the task's config.
With --multirun, comma-separated values are swept: 'lr=0.1,0.01 seed=1,2'
launches four jobs. Brackets, braces and quotes protect commas.

Allocation parameters come from the 'launcher' config section and can be
overridden with flags. One JSONL outcome record per job is written to
stdout (or --output), in job order, followed by a summary record.

Examples:
  gpubatch launch --script train.py --config-name train lr=0.1
  gpubatch launch -m --script train.py --gpus 2 lr=0.1,0.01 seed=1,2,3
  gpubatch launch -m --dry-run --script train.py model=a,b
  gpubatch launch --detach -m --script train.py seed=1,2,3,4`,
	RunE: runLaunch,
}

var (
	launchMultirun      bool
	launchStartIndex    int
	launchOutput        string
	launchIncludeOutput bool
	launchEmitState     bool
	launchNoRecord      bool
	launchDetach        bool
	launchManagedRunID  string
)

func init() {
	rootCmd.AddCommand(launchCmd)

	f := launchCmd.Flags()
	f.BoolVarP(&launchMultirun, "multirun", "m", false, "Expand comma-separated override values into one job per combination")
	f.Bool("dry-run", false, "Pass the dry-run marker to the allocator runner")
	f.String("script", "", "Task script to run in every job")
	f.String("interpreter", "", "Interpreter for the task script (default python3)")
	f.String("task", "", "Task name carried in outcomes (default: script name)")
	f.String("working-dir", "", "Working directory for jobs (default: current directory)")
	f.String("config-name", "", "Base config name (without .yaml)")
	f.String("config-dir", "", "Directory searched for the base config")
	f.String("config-path", "", "Path searched for the base config when --config-dir is unset")
	f.Int("gpus", 0, "GPUs per task")
	f.Int("min-gpus-per-host", 0, "Minimum GPUs to take from any host")
	f.String("hosts", "", "Comma-separated hosts to select from")
	f.String("ignore-hosts", "", "Comma-separated hosts to skip")
	f.Int("wait", int(allocator.WaitNone), "Allocator wait: -1 no wait, 0 forever, N seconds (overrides launcher.wait_for_available)")
	f.String("cluster", "", "Cluster description passed to the allocator")
	f.Float64("launch-rate", 0, "Maximum job spawns per second (0 = unlimited)")
	f.IntVar(&launchStartIndex, "start-index", 0, "Number of the first job (job ids are job_<n>)")
	f.StringVarP(&launchOutput, "output", "o", "", "Write JSONL records to this file instead of stdout")
	f.BoolVar(&launchIncludeOutput, "include-output", false, "Include captured stdout/stderr in outcome records")
	f.BoolVar(&launchEmitState, "emit-state", false, "Also write batch state transitions as JSONL records")
	f.BoolVar(&launchNoRecord, "no-record", false, "Do not record the run in the job registry or history")
	f.BoolVar(&launchDetach, "detach", false, "Run the batch in a background process and print its run id")
	f.StringVar(&launchManagedRunID, strings.TrimPrefix(jobregistry.ManagedRunFlag, "--"), "", "internal: run id assigned by --detach")
	_ = f.MarkHidden(strings.TrimPrefix(jobregistry.ManagedRunFlag, "--"))
}

// launchFlagKeys maps launch flags onto config keys.
var launchFlagKeys = map[string]string{
	"dry-run":           "launcher.dryrun",
	"gpus":              "launcher.num_gpus",
	"min-gpus-per-host": "launcher.min_gpus_per_host",
	"hosts":             "launcher.hosts",
	"ignore-hosts":      "launcher.ignore_hosts",
	"wait":              "launcher.wait_for_available",
	"cluster":           "launcher.cluster_info",
	"launch-rate":       "launcher.launch_rate",
	"script":            "task.script",
	"interpreter":       "task.interpreter",
	"task":              "task.name",
	"working-dir":       "task.working_dir",
	"config-name":       "task.config_name",
	"config-dir":        "task.config_dir",
	"config-path":       "task.config_path",
}

// launchConfigOverrides returns config overrides for the flags the user set.
func launchConfigOverrides(cmd *cobra.Command) (map[string]any, error) {
	out := map[string]any{}
	for flag, key := range launchFlagKeys {
		fl := cmd.Flags().Lookup(flag)
		if fl == nil || !fl.Changed {
			continue
		}
		var (
			v   any
			err error
		)
		switch fl.Value.Type() {
		case "bool":
			v, err = cmd.Flags().GetBool(flag)
		case "int":
			v, err = cmd.Flags().GetInt(flag)
		case "float64":
			v, err = cmd.Flags().GetFloat64(flag)
		default:
			v = fl.Value.String()
		}
		if err != nil {
			return nil, err
		}
		section, name, _ := strings.Cut(key, ".")
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = map[string]any{}
			out[section] = m
		}
		m[name] = v
	}
	return out, nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ov, err := launchConfigOverrides(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", err)
	}
	cfg, err := loadConfig(ctx, ov)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if launchDetach {
		return runLaunchDetached(cmd, cfg)
	}

	out := cmd.OutOrStdout()
	if launchOutput != "" && launchOutput != "-" {
		f, err := os.Create(launchOutput)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	res, err := runBatch(ctx, cfg, launchOptions{
		Overrides:     args,
		Multirun:      launchMultirun,
		StartIndex:    launchStartIndex,
		IncludeOutput: launchIncludeOutput,
		EmitState:     launchEmitState,
		NoRecord:      launchNoRecord,
		ManagedRunID:  launchManagedRunID,
	}, out)
	if err != nil {
		return err
	}
	if res.Summary.Failed > 0 || res.Summary.Unknown > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", res.Summary.Total-res.Summary.Completed, res.Summary.Total)
	}
	return nil
}

type launchOptions struct {
	Overrides     []string
	Multirun      bool
	StartIndex    int
	IncludeOutput bool
	EmitState     bool
	NoRecord      bool
	ManagedRunID  string
}

type batchResult struct {
	RunID    string
	Handle   allocator.Handle
	Outcomes []job.Outcome
	Summary  job.Summary
	Elapsed  time.Duration
}

// buildSpecs turns CLI override tokens into job specs.
func buildSpecs(tokens []string, multirun bool, startIndex int) ([]job.Spec, error) {
	sets := [][]string{tokens}
	if multirun {
		var err error
		if sets, err = overrides.Expand(tokens); err != nil {
			return nil, err
		}
	} else if _, err := overrides.ParseAll(tokens); err != nil {
		return nil, err
	}
	return job.NewSpecs(sets, startIndex), nil
}

func taskName(cfg *config.Config) string {
	if cfg.Task.Name != "" {
		return cfg.Task.Name
	}
	name := cfg.Task.Script
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".py")
}

// runBatch runs one batch end to end: specs, registry, allocation, launch,
// JSONL output, history and archive.
func runBatch(ctx context.Context, cfg *config.Config, opts launchOptions, stdout io.Writer) (*batchResult, error) {
	logger := observability.CLILogger
	outCtx := context.WithoutCancel(ctx)

	specs, err := buildSpecs(opts.Overrides, opts.Multirun, opts.StartIndex)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid overrides", err)
	}

	resolver, err := overrides.LoadBase(overrides.Location{
		Name: cfg.Task.ConfigName,
		Dir:  cfg.Task.ConfigDir,
		Path: cfg.Task.ConfigPath,
	})
	if err != nil {
		if errors.Is(err, overrides.ErrConfigNotFound) {
			return nil, exitError(foundry.ExitFileNotFound, "Base config not found", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid base config", err)
	}
	// Reject bad overrides before holding GPUs.
	for _, spec := range specs {
		if _, err := resolver.Resolve(ctx, spec.Overrides); err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid overrides for "+spec.ID(), err)
		}
	}

	runID := opts.ManagedRunID
	if runID == "" {
		runID = jobregistry.NewRunID()
	}
	logger = logger.With(zap.String("run_id", runID))
	task := taskName(cfg)

	writer := output.NewJSONLWriter(stdout, runID)
	defer func() { _ = writer.Close() }()

	var recorder *jobregistry.Recorder
	if cfg.Jobs.Record && !opts.NoRecord {
		recorder, err = openRecorder(cfg, runID, task, logger)
		if err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Failed to record run", err)
		}
		if err := recorder.Queue(specs, task); err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Failed to record jobs", err)
		}
	}

	client := allocator.New(allocator.Config{
		Executable:  cfg.Allocator.Executable,
		AcquireArgs: cfg.Allocator.AcquireArgs,
	}, allocator.WithLogger(logger))

	entrypoint := append([]string{cfg.Allocator.Executable}, cfg.Allocator.RunArgs...)
	plan := planner.New(planner.Config{
		Entrypoint:  entrypoint,
		Interpreter: cfg.Task.Interpreter,
		Script:      cfg.Task.Script,
		ConfigName:  cfg.Task.ConfigName,
		ConfigDir:   cfg.Task.ConfigDir,
		ConfigPath:  cfg.Task.ConfigPath,
		DryRun:      cfg.Launcher.DryRun,
	}, resolver, planner.WithLogger(logger))

	supOpts := []supervisor.Option{supervisor.WithLogger(logger)}
	if recorder != nil {
		supOpts = append(supOpts, supervisor.WithObserver(recorder), supervisor.WithLogSink(recorder))
	}
	sup := supervisor.New(supervisor.Config{
		TaskName:   task,
		WorkingDir: cfg.Task.WorkingDir,
		LaunchRate: cfg.Launcher.LaunchRate,
	}, supOpts...)

	var l *launcher.Launcher
	l = launcher.New(client, plan, sup, cfg.AllocationRequest(),
		launcher.WithLogger(logger),
		launcher.WithBatchID(runID),
		launcher.WithStateHook(func(s launcher.State) {
			handle := l.Handle().String()
			if recorder != nil {
				recorder.SetState(string(s), handle)
			}
			if opts.EmitState {
				if err := writer.WriteState(outCtx, &output.StateRecord{State: string(s), Handle: handle}); err != nil {
					logger.Warn("failed to write state record", zap.Error(err))
				}
			}
		}),
	)

	logger.Info("launching batch",
		zap.String("task", task),
		zap.Int("jobs", len(specs)),
		zap.Int("gpus", cfg.Launcher.NumGPUs),
		zap.Stringer("wait", allocator.WaitPolicy(cfg.Launcher.WaitForAvailable)),
		zap.Bool("dry_run", cfg.Launcher.DryRun),
	)

	start := time.Now()
	outcomes, batchErr := l.Launch(ctx, specs)
	res := &batchResult{
		RunID:    runID,
		Handle:   l.Handle(),
		Outcomes: outcomes,
		Summary:  job.Summarize(outcomes),
		Elapsed:  time.Since(start),
	}

	if recorder != nil {
		recorder.Finish(outcomes, batchErr)
	}
	if cfg.History.Enabled && !opts.NoRecord {
		recordHistory(outCtx, cfg, runID, task, l, specs, outcomes, batchErr, start, logger)
	}

	if batchErr != nil {
		code, errCode := classifyBatchError(batchErr)
		if werr := writer.WriteError(outCtx, &output.ErrorRecord{Code: errCode, Message: batchErr.Error()}); werr != nil {
			logger.Warn("failed to write error record", zap.Error(werr))
		}
		return res, exitError(code, "Batch failed", batchErr)
	}

	if err := output.WriteOutcomes(outCtx, writer, outcomes, opts.IncludeOutput); err != nil {
		return res, exitError(foundry.ExitFileWriteError, "Failed to write outcomes", err)
	}
	sum := output.NewSummaryRecord(outcomes, res.Elapsed)
	sum.Handle = res.Handle.String()
	sum.DryRun = cfg.Launcher.DryRun
	if err := writer.WriteSummary(outCtx, sum); err != nil {
		return res, exitError(foundry.ExitFileWriteError, "Failed to write summary", err)
	}

	if recorder != nil && cfg.Archive.URI != "" {
		archiveRun(outCtx, cfg, recorder, logger)
	}
	return res, nil
}

// classifyBatchError maps a batch error to a process exit code and an
// output error code.
func classifyBatchError(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return foundry.ExitSignalInt, output.ErrCodeCancelled
	case allocator.IsAllocationError(err):
		return foundry.ExitExternalServiceUnavailable, output.ErrCodeAllocation
	case errors.Is(err, planner.ErrScriptNotFound), errors.Is(err, planner.ErrInterpreterNotFound):
		return foundry.ExitFileNotFound, output.ErrCodePlanning
	case planner.IsPlanningError(err):
		return foundry.ExitInvalidArgument, output.ErrCodePlanning
	default:
		return foundry.ExitInvalidArgument, output.ErrCodeInternal
	}
}

func openRecorder(cfg *config.Config, runID, task string, logger *zap.Logger) (*jobregistry.Recorder, error) {
	store := jobregistry.NewStore(cfg.Jobs.Root)
	run := jobregistry.RunRecord{
		RunID:    runID,
		TaskName: task,
		DryRun:   cfg.Launcher.DryRun,
	}
	// A detached parent already wrote the record; keep its creation time and
	// launcher log paths.
	if existing, err := store.GetRun(runID); err == nil {
		run.CreatedAt = existing.CreatedAt
		run.StdoutPath = existing.StdoutPath
		run.StderrPath = existing.StderrPath
	}
	return jobregistry.NewRecorder(store, run, logger)
}

// detachedArgs drops the launch subcommand and --detach from argv.
func detachedArgs(argv []string) []string {
	out := make([]string, 0, len(argv))
	droppedCmd := false
	for _, a := range argv {
		if !droppedCmd && a == launchCmdName {
			droppedCmd = true
			continue
		}
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func runLaunchDetached(cmd *cobra.Command, cfg *config.Config) error {
	if launchNoRecord || !cfg.Jobs.Record {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", errors.New("--detach requires run recording"))
	}

	exec := jobregistry.NewExecutor(cfg.Jobs.Root)
	rec, err := exec.StartLaunchBackground(detachedArgs(os.Args[1:]), taskName(cfg))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to start background launch", err)
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(w, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(w, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(w, "stderr=%s\n", rec.StderrPath)
	return nil
}
