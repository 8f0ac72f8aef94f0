package cmd

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gpubatch/internal/observability"
	"github.com/3leaps/gpubatch/internal/server"
	"github.com/3leaps/gpubatch/internal/server/handlers"
	"github.com/3leaps/gpubatch/pkg/jobregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only HTTP API over recorded runs",
	Long: `Start an HTTP server exposing recorded runs.

Endpoints:
  GET /health                               health with registry check
  GET /health/live                          liveness
  GET /version                              build info
  GET /runs                                 recorded runs, newest first
  GET /runs/{run_id}                        one run
  GET /runs/{run_id}/jobs                   jobs of a run, in batch order
  GET /runs/{run_id}/jobs/{job_id}          one job
  GET /runs/{run_id}/jobs/{job_id}/logs/{stdout|stderr}?tail=N`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Bind address (default from server.host)")
	serveCmd.Flags().Int("port", 0, "Port (default from server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ov := map[string]any{}
	srvOv := map[string]any{}
	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		srvOv["host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		srvOv["port"] = port
	}
	if len(srvOv) > 0 {
		ov["server"] = srvOv
	}

	cfg, err := loadConfig(ctx, ov)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithStore(jobregistry.NewStore(cfg.Jobs.Root)),
		server.WithLogger(observability.CLILogger),
		server.WithVersion(buildVersionInfo()),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)
	if err := srv.Run(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

func buildVersionInfo() handlers.VersionInfo {
	return handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
	}
}
