package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the history schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS batches (
			run_id TEXT PRIMARY KEY,
			task_name TEXT,
			state TEXT NOT NULL,
			allocation_handle TEXT,
			dry_run INTEGER NOT NULL DEFAULT 0,
			job_count INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_started_at ON batches(started_at);`,

		`CREATE TABLE IF NOT EXISTS job_outcomes (
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			job_num INTEGER NOT NULL,
			job_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			overrides TEXT NOT NULL,
			working_dir TEXT,
			error TEXT,
			started_at TEXT,
			ended_at TEXT,
			PRIMARY KEY(run_id, job_id),
			FOREIGN KEY(run_id) REFERENCES batches(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_outcomes_status ON job_outcomes(status);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: per-job duration for history summaries.
	if current < 2 {
		alters := []string{
			`ALTER TABLE job_outcomes ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				// SQLite reports duplicate columns as an error; treat as idempotent.
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
