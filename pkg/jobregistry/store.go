package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrNotFound indicates a run or job record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists and loads run and job records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/<job_id>/job.json
//	<root>/<run_id>/<job_id>/stdout.log
//	<root>/<run_id>/<job_id>/stderr.log
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) JobDir(runID, jobID string) string {
	return filepath.Join(s.RunDir(runID), jobID)
}

func (s *Store) JobPath(runID, jobID string) string {
	return filepath.Join(s.JobDir(runID, jobID), "job.json")
}

func (s *Store) StdoutPath(runID, jobID string) string {
	return filepath.Join(s.JobDir(runID, jobID), "stdout.log")
}

func (s *Store) StderrPath(runID, jobID string) string {
	return filepath.Join(s.JobDir(runID, jobID), "stderr.log")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write persists a job record atomically.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	jobID := strings.TrimSpace(record.JobID)
	if runID == "" || jobID == "" {
		return fmt.Errorf("run_id and job_id are required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	return writeJSONAtomic(s.JobDir(runID, jobID), "job.json", record)
}

// Get loads a job record. A running job whose process is gone reads as
// unknown, and the correction is persisted.
func (s *Store) Get(runID, jobID string) (*JobRecord, error) {
	runID, jobID = strings.TrimSpace(runID), strings.TrimSpace(jobID)
	if runID == "" || jobID == "" {
		return nil, fmt.Errorf("run_id and job_id are required")
	}
	if !validID(runID) || !validID(jobID) {
		return nil, fmt.Errorf("%w: %q/%q", ErrInvalidID, runID, jobID)
	}

	var record JobRecord
	if err := readJSON(s.JobPath(runID, jobID), &record); err != nil {
		return nil, err
	}

	// Zombie detection: if a job claims running but its pid is gone, mark unknown.
	if record.State == JobStateRunning && record.PID > 0 {
		if !isProcessAlive(record.PID) {
			record.State = JobStateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// List returns the run's job records in batch order.
func (s *Store) List(runID string) ([]JobRecord, error) {
	if !validID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, runID)
	}
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(runID, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// WriteRun persists a run record atomically.
func (s *Store) WriteRun(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	return writeJSONAtomic(s.RunDir(runID), "run.json", record)
}

// GetRun loads a run record. A non-terminal run whose launcher process is
// gone reads as UNKNOWN.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if !validID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, runID)
	}

	var record RunRecord
	if err := readJSON(s.RunPath(runID), &record); err != nil {
		return nil, err
	}

	if !record.IsTerminal() && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateUnknown
		now := time.Now().UTC()
		record.EndedAt = &now
		_ = s.WriteRun(&record)
	}
	return &record, nil
}

// ListRuns returns all run records, newest first.
func (s *Store) ListRuns() ([]RunRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.GetRun(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GC removes finished runs that ended before now-maxAge. Runs still in
// progress are never removed. With dryRun set nothing is deleted. It returns
// the run IDs that were (or would be) removed.
func (s *Store) GC(maxAge time.Duration, dryRun bool) ([]string, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var removed []string
	for _, r := range runs {
		if !r.IsTerminal() {
			continue
		}
		ended := r.CreatedAt
		if r.EndedAt != nil {
			ended = *r.EndedAt
		}
		if ended.After(cutoff) {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(s.RunDir(r.RunID)); err != nil {
				return removed, fmt.Errorf("remove run %s: %w", r.RunID, err)
			}
		}
		removed = append(removed, r.RunID)
	}
	return removed, nil
}

func writeJSONAtomic(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return fmt.Errorf("%s is empty", filepath.Base(path))
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
