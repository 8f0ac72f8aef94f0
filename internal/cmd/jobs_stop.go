package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	var sig syscall.Signal
	switch sigStr {
	case "", "term":
		sigStr, sig = "term", syscall.SIGTERM
	case "kill":
		sig = syscall.SIGKILL
	default:
		return fmt.Errorf("invalid --signal %q (expected term or kill)", sigStr)
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	runID, err := resolveRunID(store, args[0])
	if err != nil {
		return err
	}
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return fmt.Errorf("run is not active (state=%s)", run.State)
	}
	if run.PID <= 0 {
		return fmt.Errorf("run has no launcher pid recorded")
	}

	proc, err := os.FindProcess(run.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "sent=%s\n", sigStr)
	if wait <= 0 {
		return nil
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !processAlive(run.PID) {
			_, _ = fmt.Fprintln(out, "exited=true")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	_, _ = fmt.Fprintln(out, "exited=false")
	return nil
}
