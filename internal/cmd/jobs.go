package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gpubatch/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recorded batch runs",
	Long: `Inspect runs recorded by 'gpubatch launch'.

Every launch records a run directory under jobs.root with run.json, one
job.json per job, and each job's stdout/stderr logs. Run ids may be
abbreviated to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Stop a detached run",
	Long: `Signal the launcher process of a detached run.

With --signal term the launcher abandons the batch if it is still
allocating or planning. Jobs that are already running finish first, then
the allocation is released. --signal kill stops the launcher at once and
may leave the allocation held.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <run_id> [job_id]",
	Short: "Show logs for a job, or the launcher logs of a detached run",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished runs older than --max-age",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsStopCmd.Flags().Duration("wait", 0, "Wait up to this long for the launcher to exit")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsGCCmd.Flags().Duration("max-age", 7*24*time.Hour, "Delete finished runs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show which runs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return jobregistry.NewStore(cfg.Jobs.Root), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}

	if jsonOutput {
		if runs == nil {
			runs = []jobregistry.RunRecord{}
		}
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tTASK\tSTATE\tJOBS\tOK\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortRunID(r.RunID),
			orDash(r.TaskName),
			r.State,
			r.JobCount,
			r.Completed,
			r.Failed,
			humanize.Time(r.CreatedAt),
			runDuration(r),
		)
	}
	return nil
}

type runStatus struct {
	Run  *jobregistry.RunRecord  `json:"run"`
	Jobs []jobregistry.JobRecord `json:"jobs"`
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

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
	jobs, err := store.List(runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		return writeJSON(out, runStatus{Run: run, Jobs: jobs})
	}

	_, _ = fmt.Fprintf(out, "run_id=%s\n", run.RunID)
	if run.TaskName != "" {
		_, _ = fmt.Fprintf(out, "task=%s\n", run.TaskName)
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", run.State)
	if run.Handle != "" {
		_, _ = fmt.Fprintf(out, "allocation_handle=%s\n", run.Handle)
	}
	_, _ = fmt.Fprintf(out, "jobs=%d completed=%d failed=%d\n", run.JobCount, run.Completed, run.Failed)
	_, _ = fmt.Fprintf(out, "created_at=%s\n", run.CreatedAt.UTC().Format(time.RFC3339))
	if run.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", run.EndedAt.UTC().Format(time.RFC3339))
	}
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", run.Error)
	}
	if len(jobs) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tEXIT\tDURATION\tOVERRIDES")
	for _, j := range jobs {
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			j.JobID,
			j.State,
			exit,
			jobDuration(j),
			orDash(strings.Join(j.Overrides, " ")),
		)
	}
	return nil
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 12 {
		return runID
	}
	return runID[:12]
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func runDuration(r jobregistry.RunRecord) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.CreatedAt).Round(time.Second).String()
}

func jobDuration(j jobregistry.JobRecord) string {
	if j.StartedAt == nil || j.EndedAt == nil {
		return "-"
	}
	return j.EndedAt.Sub(*j.StartedAt).Round(time.Millisecond).String()
}

// resolveRunID accepts a full run id or a unique prefix.
func resolveRunID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}

	if _, err := store.GetRun(input); err == nil {
		return input, nil
	}

	runs, err := store.ListRuns()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("run not found: %s: %w", input, jobregistry.ErrNotFound)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("run id prefix is ambiguous (%d matches); use the full run_id", len(matches))
	}
	return matches[0], nil
}
