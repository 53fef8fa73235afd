package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/data"
	"github.com/membermail/membermail/internal/domain/model"
)

// ReporterOptions groups dependencies for StatusReporter.
type ReporterOptions struct {
	Repo   core.JobRepository // Required: job repository
	Cache  core.SnapshotCache // Optional: snapshot cache for the poll path
	Logger *slog.Logger       // Optional: structured logger

	// Now overrides the clock for tests.
	Now func() time.Time
}

// StatusReporter serves point-in-time status snapshots for polling clients.
// Snapshots are cached briefly; every job state transition invalidates the
// cache so polls never serve a stale terminal status.
type StatusReporter struct {
	repo   core.JobRepository
	cache  core.SnapshotCache
	logger *slog.Logger
	now    func() time.Time
}

// NewStatusReporter constructs a new StatusReporter.
func NewStatusReporter(opts ReporterOptions) (*StatusReporter, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	cache := opts.Cache
	if cache == nil {
		cache = data.NoopSnapshotCache{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "status_reporter")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &StatusReporter{
		repo:   opts.Repo,
		cache:  cache,
		logger: logger,
		now:    now,
	}, nil
}

// GetStatus returns the current snapshot for a job, served from cache when
// fresh. Progress counts reflect the last committed batch, never mid-batch
// partials.
func (r *StatusReporter) GetStatus(ctx context.Context, jobID string) (*model.StatusSnapshot, error) {
	if snap, ok := r.cache.Get(ctx, jobID); ok {
		return snap, nil
	}

	job, err := r.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := r.snapshot(job)
	r.cache.Set(ctx, snap)
	return snap, nil
}

// snapshot builds the poll view, deriving throughput and an estimated
// completion time from committed progress.
func (r *StatusReporter) snapshot(job *model.Job) *model.StatusSnapshot {
	snap := &model.StatusSnapshot{
		JobID:          job.ID,
		Status:         job.Status,
		ProcessedCount: job.ProcessedCount,
		TotalMembers:   job.TotalCount,
		SuccessCount:   job.SuccessCount,
		FailureCount:   job.FailureCount,
		LastError:      job.LastError,
		RetryAfterSecs: job.RetryAfterSecs,
	}

	if job.Status != model.JobStatusRunning || job.StartedAt == nil || job.ProcessedCount == 0 {
		return snap
	}

	elapsed := r.now().Sub(*job.StartedAt)
	if elapsed <= 0 {
		return snap
	}

	throughput := float64(job.ProcessedCount) / elapsed.Seconds()
	snap.ThroughputPerSec = throughput

	remaining := job.TotalCount - job.ProcessedCount
	if remaining > 0 && throughput > 0 {
		eta := r.now().Add(time.Duration(float64(remaining)/throughput) * time.Second)
		snap.EstimatedCompletionAt = &eta
	}
	return snap
}
