package jobregistry

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/supervisor"
)

// Recorder persists one run's live state: run.json on every batch state
// change and job.json on every job transition. It also provides per-job log
// files to the supervisor.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	mu   sync.Mutex
	run  RunRecord
	jobs map[string]*JobRecord
}

var (
	_ supervisor.Observer = (*Recorder)(nil)
	_ supervisor.LogSink  = (*Recorder)(nil)
)

// NewRecorder creates a recorder for run and writes the initial run.json.
func NewRecorder(store *Store, run RunRecord, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("job registry store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.PID == 0 {
		run.PID = os.Getpid()
	}
	if run.State == "" {
		run.State = "IDLE"
	}

	r := &Recorder{
		store:  store,
		logger: logger,
		run:    run,
		jobs:   map[string]*JobRecord{},
	}
	if err := store.WriteRun(&r.run); err != nil {
		return nil, err
	}
	return r, nil
}

// RunID returns the recorded run's ID.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.RunID
}

// RunDir returns the recorded run's directory.
func (r *Recorder) RunDir() string {
	return r.store.RunDir(r.RunID())
}

// Queue writes a queued record for every spec.
func (r *Recorder) Queue(specs []job.Spec, taskName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.run.JobCount = len(specs)
	for _, spec := range specs {
		rec := &JobRecord{
			RunID:      r.run.RunID,
			JobID:      spec.ID(),
			JobNum:     spec.Num,
			Index:      spec.Index,
			TaskName:   taskName,
			State:      JobStateQueued,
			Overrides:  append([]string{}, spec.Overrides...),
			CreatedAt:  now,
			StdoutPath: r.store.StdoutPath(r.run.RunID, spec.ID()),
			StderrPath: r.store.StderrPath(r.run.RunID, spec.ID()),
		}
		if err := r.store.Write(rec); err != nil {
			return err
		}
		r.jobs[rec.JobID] = rec
	}
	return r.store.WriteRun(&r.run)
}

// SetState records a batch state transition.
func (r *Recorder) SetState(state string, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.run.State = state
	if handle != "" {
		r.run.Handle = handle
	}
	if state == RunStateDone || state == RunStateFailed {
		now := time.Now().UTC()
		r.run.EndedAt = &now
	}
	if err := r.store.WriteRun(&r.run); err != nil {
		r.logger.Warn("failed to record run state", zap.String("state", state), zap.Error(err))
	}
}

// Finish records the batch result.
func (r *Recorder) Finish(outcomes []job.Outcome, batchErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := job.Summarize(outcomes)
	r.run.Completed = summary.Completed
	r.run.Failed = summary.Failed
	if batchErr != nil {
		r.run.Error = batchErr.Error()
		r.run.State = RunStateFailed
	}
	if r.run.EndedAt == nil {
		now := time.Now().UTC()
		r.run.EndedAt = &now
	}
	if err := r.store.WriteRun(&r.run); err != nil {
		r.logger.Warn("failed to record run result", zap.Error(err))
	}
}

// Run returns a copy of the current run record.
func (r *Recorder) Run() RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

// JobStarted implements supervisor.Observer.
func (r *Recorder) JobStarted(o job.Outcome) {
	r.update(o, func(rec *JobRecord) {
		rec.State = JobStateRunning
		rec.PID = o.PID
		rec.StartedAt = o.StartedAt
		rec.LastHeartbeat = o.StartedAt
	})
}

// JobFinished implements supervisor.Observer.
func (r *Recorder) JobFinished(o job.Outcome) {
	r.update(o, func(rec *JobRecord) {
		rec.State = StateFromStatus(o.Status)
		rec.PID = o.PID
		if o.StartedAt != nil {
			rec.StartedAt = o.StartedAt
		}
		rec.EndedAt = o.EndedAt
		rec.LastHeartbeat = o.EndedAt
		code := o.ExitCode
		rec.ExitCode = &code
		rec.Error = o.Error
	})
}

func (r *Recorder) update(o job.Outcome, fn func(*JobRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[o.JobID]
	if !ok {
		rec = &JobRecord{
			RunID:      r.run.RunID,
			JobID:      o.JobID,
			JobNum:     o.JobNum,
			Index:      o.Index,
			TaskName:   o.TaskName,
			Overrides:  append([]string{}, o.Overrides...),
			CreatedAt:  time.Now().UTC(),
			StdoutPath: r.store.StdoutPath(r.run.RunID, o.JobID),
			StderrPath: r.store.StderrPath(r.run.RunID, o.JobID),
		}
		r.jobs[o.JobID] = rec
	}
	rec.Command = append([]string{}, o.Command...)
	rec.WorkingDir = o.WorkingDir
	fn(rec)

	if err := r.store.Write(rec); err != nil {
		r.logger.Warn("failed to record job", zap.String("job_id", o.JobID), zap.Error(err))
	}
}

// Open implements supervisor.LogSink with per-job log files.
func (r *Recorder) Open(spec job.Spec) (io.WriteCloser, io.WriteCloser, error) {
	runID := r.RunID()
	if err := os.MkdirAll(r.store.JobDir(runID, spec.ID()), 0755); err != nil {
		return nil, nil, fmt.Errorf("create job dir: %w", err)
	}

	stdoutFile, err := os.Create(r.store.StdoutPath(runID, spec.ID()))
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(r.store.StderrPath(runID, spec.ID()))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, nil, fmt.Errorf("create stderr log: %w", err)
	}
	return stdoutFile, stderrFile, nil
}
