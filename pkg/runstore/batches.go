package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gpubatch/pkg/job"
)

// ErrBatchNotFound indicates no batch with the given run ID was recorded.
var ErrBatchNotFound = errors.New("batch not found")

// Batch is one recorded batch.
type Batch struct {
	RunID     string
	TaskName  string
	State     string
	Handle    string
	DryRun    bool
	JobCount  int
	Completed int
	Failed    int
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// OutcomeRow is one recorded job outcome.
type OutcomeRow struct {
	RunID      string
	JobID      string
	JobNum     int
	Index      int
	Status     job.Status
	ExitCode   int
	Overrides  []string
	WorkingDir string
	Error      string
	Duration   time.Duration
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// RecordBatch stores a batch and its outcomes in one transaction. Recording
// the same run again replaces the previous rows.
func RecordBatch(ctx context.Context, db *sql.DB, b Batch, outcomes []job.Outcome) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}

	summary := job.Summarize(outcomes)
	if b.JobCount == 0 {
		b.JobCount = summary.Total
	}
	b.Completed = summary.Completed
	b.Failed = summary.Failed

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_outcomes WHERE run_id = ?`, b.RunID); err != nil {
		return fmt.Errorf("clear job_outcomes: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches
		 (run_id, task_name, state, allocation_handle, dry_run, job_count, completed, failed, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   task_name = excluded.task_name,
		   state = excluded.state,
		   allocation_handle = excluded.allocation_handle,
		   dry_run = excluded.dry_run,
		   job_count = excluded.job_count,
		   completed = excluded.completed,
		   failed = excluded.failed,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at`,
		b.RunID, b.TaskName, b.State, nullString(b.Handle), boolToInt(b.DryRun),
		b.JobCount, b.Completed, b.Failed, nullString(b.Error),
		formatTime(b.StartedAt), formatTimePtr(b.EndedAt))
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_outcomes
		 (run_id, job_id, job_num, job_index, status, exit_code, overrides, working_dir, error, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, o := range outcomes {
		overrides, err := json.Marshal(nonNil(o.Overrides))
		if err != nil {
			return fmt.Errorf("marshal overrides: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			b.RunID, o.JobID, o.JobNum, o.Index, string(o.Status), o.ExitCode,
			string(overrides), nullString(o.WorkingDir), nullString(o.Error),
			formatTimePtr(o.StartedAt), formatTimePtr(o.EndedAt), o.Duration().Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

const batchColumns = `run_id, task_name, state, allocation_handle, dry_run, job_count, completed, failed, error, started_at, ended_at`

// GetBatch retrieves a batch by run ID.
func GetBatch(ctx context.Context, db *sql.DB, runID string) (*Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE run_id = ?`, runID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// ListBatches lists batches newest first. A limit <= 0 returns all.
func ListBatches(ctx context.Context, db *sql.DB, limit int) ([]Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// GetOutcomes returns a batch's job outcomes in batch order.
func GetOutcomes(ctx context.Context, db *sql.DB, runID string) ([]OutcomeRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT run_id, job_id, job_num, job_index, status, exit_code, overrides,
		        working_dir, error, started_at, ended_at, duration_ms
		 FROM job_outcomes
		 WHERE run_id = ?
		 ORDER BY job_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list job_outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutcomeRow
	for rows.Next() {
		var (
			r          OutcomeRow
			status     string
			overrides  string
			workingDir sql.NullString
			errText    sql.NullString
			startedAt  sql.NullString
			endedAt    sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&r.RunID, &r.JobID, &r.JobNum, &r.Index, &status, &r.ExitCode, &overrides,
			&workingDir, &errText, &startedAt, &endedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan job_outcome: %w", err)
		}
		r.Status = job.Status(status)
		if err := json.Unmarshal([]byte(overrides), &r.Overrides); err != nil {
			return nil, fmt.Errorf("parse overrides for %s: %w", r.JobID, err)
		}
		r.WorkingDir = workingDir.String
		r.Error = errText.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, err
		}
		if r.EndedAt, err = parseTimePtr(endedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_outcomes: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var (
		b         Batch
		taskName  sql.NullString
		handle    sql.NullString
		dryRun    int
		errText   sql.NullString
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&b.RunID, &taskName, &b.State, &handle, &dryRun, &b.JobCount,
		&b.Completed, &b.Failed, &errText, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	b.TaskName = taskName.String
	b.Handle = handle.String
	b.DryRun = dryRun != 0
	b.Error = errText.String

	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	b.StartedAt = t
	if b.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
