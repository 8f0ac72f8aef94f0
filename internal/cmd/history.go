package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gpubatch/pkg/runstore"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show batch history",
	Long: `Show batches recorded in the history database (history.db).

Without --run, lists the most recent batches. With --run, shows one
batch and the outcome of every job in it.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 20, "Maximum number of batches to list (0 = all)")
	historyCmd.Flags().String("run", "", "Show one batch by run id")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
}

type historyDetail struct {
	Batch    *runstore.Batch       `json:"batch"`
	Outcomes []runstore.OutcomeRow `json:"outcomes"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	runID, _ := cmd.Flags().GetString("run")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	db, err := runstore.Open(ctx, runstore.Config{Path: cfg.History.DB})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open history", err)
	}
	defer func() { _ = db.Close() }()
	if err := runstore.Migrate(ctx, db); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open history", err)
	}

	if runID = strings.TrimSpace(runID); runID != "" {
		b, err := runstore.GetBatch(ctx, db, runID)
		if err != nil {
			if errors.Is(err, runstore.ErrBatchNotFound) {
				return exitError(foundry.ExitFileNotFound, "Batch not found", err)
			}
			return err
		}
		rows, err := runstore.GetOutcomes(ctx, db, runID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(out, historyDetail{Batch: b, Outcomes: rows})
		}
		return printBatchDetail(cmd, b, rows)
	}

	batches, err := runstore.ListBatches(ctx, db, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		if batches == nil {
			batches = []runstore.Batch{}
		}
		return writeJSON(out, batches)
	}
	if len(batches) == 0 {
		_, _ = fmt.Fprintln(out, "No batches recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "RUN ID\tTASK\tSTATE\tJOBS\tOK\tFAILED\tSTARTED\tDURATION")
	for _, b := range batches {
		dur := "-"
		if b.EndedAt != nil {
			dur = b.EndedAt.Sub(b.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortRunID(b.RunID),
			orDash(b.TaskName),
			b.State,
			b.JobCount,
			b.Completed,
			b.Failed,
			humanize.Time(b.StartedAt),
			dur,
		)
	}
	return nil
}

func printBatchDetail(cmd *cobra.Command, b *runstore.Batch, rows []runstore.OutcomeRow) error {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "run_id=%s\n", b.RunID)
	if b.TaskName != "" {
		_, _ = fmt.Fprintf(out, "task=%s\n", b.TaskName)
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", b.State)
	if b.Handle != "" {
		_, _ = fmt.Fprintf(out, "allocation_handle=%s\n", b.Handle)
	}
	if b.DryRun {
		_, _ = fmt.Fprintln(out, "dry_run=true")
	}
	_, _ = fmt.Fprintf(out, "jobs=%d completed=%d failed=%d\n", b.JobCount, b.Completed, b.Failed)
	_, _ = fmt.Fprintf(out, "started_at=%s\n", b.StartedAt.UTC().Format(time.RFC3339))
	if b.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", b.Error)
	}
	if len(rows) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tEXIT\tDURATION\tOVERRIDES")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			r.JobID,
			r.Status,
			r.ExitCode,
			r.Duration.Round(time.Millisecond),
			orDash(strings.Join(r.Overrides, " ")),
		)
	}
	return nil
}
