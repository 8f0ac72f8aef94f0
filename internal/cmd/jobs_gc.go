package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

type jobsGCResult struct {
	MaxAge      string   `json:"max_age"`
	DryRun      bool     `json:"dry_run"`
	Deleted     []string `json:"deleted,omitempty"`
	WouldDelete []string `json:"would_delete,omitempty"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be positive, got %s", maxAge))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	asJSON, _ := cmd.Flags().GetBool("json")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	runIDs, err := store.GC(maxAge, dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to collect runs", err)
	}

	res := jobsGCResult{MaxAge: maxAge.String(), DryRun: dryRun}
	label := "deleted"
	if dryRun {
		res.WouldDelete, label = runIDs, "would_delete"
	} else {
		res.Deleted = runIDs
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, res)
	}
	_, _ = fmt.Fprintf(out, "%s=%d\n", label, len(runIDs))
	return nil
}
