// Package runstore keeps a queryable history of finished batches in a local
// SQLite database.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	memoryPath = ":memory:"
)

// Config locates the history database.
type Config struct {
	// Path is a filesystem path, a "file:" DSN, or ":memory:".
	Path string
}

// pragmas applied to file databases. Several CLI processes may record
// batches into the same file.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("history store path is required")
	case path == memoryPath:
		return path, nil
	}

	dsn := path
	file := path
	if strings.HasPrefix(path, "file:") {
		file, _, _ = strings.Cut(strings.TrimPrefix(path, "file:"), "?")
	} else {
		dsn = "file:" + filepath.Clean(path)
	}
	if err := mkdirParent(file); err != nil {
		return "", err
	}
	return dsn, nil
}

// Open opens the history database, creating the file and its parent
// directory on first use. Call Migrate before reading or writing batches.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	// An in-memory database lives on one connection; a file database gets one
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history store: %w", err)
	}
	if dsn == memoryPath {
		return db, nil
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range pragmas {
		// Both pragmas return a row; Exec would leave it unread on some drivers.
		var ignored any
		if err := db.QueryRowContext(pctx, p).Scan(&ignored); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(strings.TrimPrefix(p, "PRAGMA ")), err)
		}
	}
	return db, nil
}

func mkdirParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- history lives under the user's data directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	return nil
}
