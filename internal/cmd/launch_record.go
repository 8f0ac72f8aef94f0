package cmd

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/3leaps/gpubatch/internal/config"
	"github.com/3leaps/gpubatch/pkg/archive"
	"github.com/3leaps/gpubatch/pkg/job"
	"github.com/3leaps/gpubatch/pkg/jobregistry"
	"github.com/3leaps/gpubatch/pkg/launcher"
	"github.com/3leaps/gpubatch/pkg/runstore"
)

// recordHistory writes the finished batch to the history database. Failures
// are logged; they never change the batch result.
func recordHistory(ctx context.Context, cfg *config.Config, runID, task string, l *launcher.Launcher, specs []job.Spec, outcomes []job.Outcome, batchErr error, start time.Time, logger *zap.Logger) {
	db, err := runstore.Open(ctx, runstore.Config{Path: cfg.History.DB})
	if err != nil {
		logger.Warn("history unavailable", zap.String("db", cfg.History.DB), zap.Error(err))
		return
	}
	defer func() { _ = db.Close() }()

	if err := runstore.Migrate(ctx, db); err != nil {
		logger.Warn("history migration failed", zap.Error(err))
		return
	}

	sum := job.Summarize(outcomes)
	ended := time.Now().UTC()
	b := runstore.Batch{
		RunID:     runID,
		TaskName:  task,
		State:     string(l.State()),
		Handle:    l.Handle().String(),
		DryRun:    cfg.Launcher.DryRun,
		JobCount:  len(specs),
		Completed: sum.Completed,
		Failed:    sum.Failed,
		StartedAt: start.UTC(),
		EndedAt:   &ended,
	}
	if batchErr != nil {
		b.Error = batchErr.Error()
		b.State = jobregistry.RunStateFailed
	}
	if err := runstore.RecordBatch(ctx, db, b, outcomes); err != nil {
		logger.Warn("failed to record batch history", zap.Error(err))
		return
	}
	logger.Debug("recorded batch history", zap.String("db", cfg.History.DB))
}

// archiveRun uploads the run directory to the configured archive. Failures
// are logged only.
func archiveRun(ctx context.Context, cfg *config.Config, recorder *jobregistry.Recorder, logger *zap.Logger) {
	a, err := archive.New(ctx, archive.Config{
		URI:            cfg.Archive.URI,
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	}, archive.WithLogger(logger))
	if err != nil {
		logger.Warn("archive unavailable", zap.String("uri", cfg.Archive.URI), zap.Error(err))
		return
	}

	res, err := a.ArchiveRun(ctx, recorder.RunDir(), recorder.RunID())
	if err != nil {
		logger.Warn("failed to archive run", zap.String("uri", cfg.Archive.URI), zap.Error(err))
		return
	}
	logger.Info("run archived",
		zap.String("location", res.Location),
		zap.Int("objects", res.Objects),
		zap.String("size", humanize.IBytes(uint64(res.Bytes))),
	)
}
