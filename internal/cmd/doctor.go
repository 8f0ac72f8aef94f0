package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gpubatch/internal/config"
	"github.com/3leaps/gpubatch/internal/observability"
	"github.com/3leaps/gpubatch/pkg/archive"
	"github.com/3leaps/gpubatch/pkg/runstore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that this machine can launch batches: the allocator and interpreter
are on PATH, the task script exists, the job registry and history database
are writable, and archive credentials resolve when an archive is configured.

Examples:
  gpubatch doctor
  gpubatch doctor --script train.py`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().String("script", "", "Task script to check (default from task.script)")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{"Go runtime", func(context.Context, *config.Config) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"allocator", func(_ context.Context, cfg *config.Config) (string, error) {
			return exec.LookPath(cfg.Allocator.Executable)
		}},
		{"interpreter", func(_ context.Context, cfg *config.Config) (string, error) {
			return exec.LookPath(cfg.Task.Interpreter)
		}},
		{"task script", checkScript},
		{"job registry", checkJobsRoot},
		{"history database", checkHistory},
	}
	if cfg.Archive.URI != "" {
		checks = append(checks, doctorCheck{"archive credentials", checkArchive})
	}
	return checks
}

func checkScript(_ context.Context, cfg *config.Config) (string, error) {
	if cfg.Task.Script == "" {
		return "not set (pass --script to launch)", nil
	}
	abs, err := filepath.Abs(cfg.Task.Script)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}
	return abs, nil
}

func checkJobsRoot(_ context.Context, cfg *config.Config) (string, error) {
	if err := os.MkdirAll(cfg.Jobs.Root, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(cfg.Jobs.Root, ".doctor-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return cfg.Jobs.Root, nil
}

func checkHistory(ctx context.Context, cfg *config.Config) (string, error) {
	if !cfg.History.Enabled {
		return "disabled", nil
	}
	db, err := runstore.Open(ctx, runstore.Config{Path: cfg.History.DB})
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	if err := runstore.Migrate(ctx, db); err != nil {
		return "", err
	}
	return cfg.History.DB, nil
}

func checkArchive(ctx context.Context, cfg *config.Config) (string, error) {
	acfg := archive.Config{
		URI:            cfg.Archive.URI,
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	}
	if err := acfg.Validate(); err != nil {
		return "", err
	}
	creds, err := archive.Credentials(ctx, acfg)
	if err != nil {
		return "", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (source %s)", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ov := map[string]any{}
	if cmd.Flags().Changed("script") {
		script, _ := cmd.Flags().GetString("script")
		ov["task"] = map[string]any{"script": script}
	}
	cfg, err := loadConfig(ctx, ov)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	failed := runChecks(ctx, cmd.OutOrStdout(), cfg, doctorChecks(cfg))
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d check(s) failed", failed))
	}
	return nil
}

func runChecks(ctx context.Context, w io.Writer, cfg *config.Config, checks []doctorCheck) int {
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx, cfg)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "[%d/%d] %s... FAIL %v\n", i+1, len(checks), c.name, err)
			observability.CLILogger.Debug("doctor check failed", zap.String("check", c.name), zap.Error(err))
			continue
		}
		_, _ = fmt.Fprintf(w, "[%d/%d] %s... ok %s\n", i+1, len(checks), c.name, detail)
	}
	if failed == 0 {
		_, _ = fmt.Fprintln(w, "All checks passed.")
	}
	return failed
}
