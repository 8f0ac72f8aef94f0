package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/gpubatch/pkg/jobregistry"
)

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = jobregistry.StreamStdout
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	runID, err := resolveRunID(store, args[0])
	if err != nil {
		return err
	}

	var streams []string
	switch stream {
	case jobregistry.StreamStdout, jobregistry.StreamStderr:
		streams = []string{stream}
	case "both":
		streams = []string{jobregistry.StreamStdout, jobregistry.StreamStderr}
	default:
		return fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream)
	}

	paths, err := logPaths(store, runID, args[1:], streams)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if follow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		// Only the last stream can be followed; earlier ones are printed.
		for _, p := range paths[:len(paths)-1] {
			if err := printLogTail(out, p, tailN); err != nil {
				return err
			}
		}
		return followLog(ctx, out, paths[len(paths)-1])
	}
	for _, p := range paths {
		if err := printLogTail(out, p, tailN); err != nil {
			return err
		}
	}
	return nil
}

// logPaths returns the log files for a job, or for the run's detached
// launcher when no job is given.
func logPaths(store *jobregistry.Store, runID string, jobArgs []string, streams []string) ([]string, error) {
	paths := make([]string, 0, len(streams))
	if len(jobArgs) > 0 {
		jobID := strings.TrimSpace(jobArgs[0])
		if _, err := store.Get(runID, jobID); err != nil {
			return nil, err
		}
		for _, s := range streams {
			if s == jobregistry.StreamStdout {
				paths = append(paths, store.StdoutPath(runID, jobID))
			} else {
				paths = append(paths, store.StderrPath(runID, jobID))
			}
		}
		return paths, nil
	}

	run, err := store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.StdoutPath == "" {
		return nil, fmt.Errorf("run %s was not detached; pass a job_id", runID)
	}
	for _, s := range streams {
		if s == jobregistry.StreamStdout {
			paths = append(paths, run.StdoutPath)
		} else {
			paths = append(paths, run.StderrPath)
		}
	}
	return paths, nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from the run registry
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, jobregistry.ErrNotFound)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog prints path and then polls for appended lines until ctx is done.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from the run registry
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, r); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
