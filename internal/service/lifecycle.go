package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/data"
	"github.com/membermail/membermail/internal/domain/broadcast"
	domainjob "github.com/membermail/membermail/internal/domain/job"
	"github.com/membermail/membermail/internal/domain/model"
	"github.com/membermail/membermail/internal/observability/metrics"
	"github.com/membermail/membermail/internal/observability/statsd"
)

// LifecycleOptions groups dependencies for LifecycleService.
type LifecycleOptions struct {
	Repo         core.JobRepository     // Required: job repository
	Outcomes     core.OutcomeRepository // Required: outcome log
	DefaultLease time.Duration          // Required unless LeasePolicy set
	LeasePolicy  *domainjob.LeasePolicy // Optional: override default lease policy
	Cache        core.SnapshotCache     // Optional: snapshot cache to invalidate on transitions
	Logger       *slog.Logger           // Optional: structured logger
	Metrics      statsd.Sink            // Optional: metric sink
}

// LifecycleService owns the job state machine: creation with recipient
// deduplication, claim/lease acquisition, resume, and cancellation.
//
// All state transitions go through here or through the dispatcher's fenced
// progress writes; nothing else mutates job rows.
type LifecycleService struct {
	repo        core.JobRepository
	outcomes    core.OutcomeRepository
	leasePolicy *domainjob.LeasePolicy
	cache       core.SnapshotCache
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewLifecycleService constructs a new LifecycleService.
func NewLifecycleService(opts LifecycleOptions) (*LifecycleService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Outcomes == nil {
		return nil, errors.New("OutcomeRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	cache := opts.Cache
	if cache == nil {
		cache = data.NoopSnapshotCache{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "lifecycle_service")
	}

	return &LifecycleService{
		repo:        opts.Repo,
		outcomes:    opts.Outcomes,
		leasePolicy: leasePolicy,
		cache:       cache,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// Create validates the request, deduplicates recipients preserving first-seen
// order, freezes TotalCount to the unique count, and persists the job as
// pending. Dropped duplicates are recorded as skipped_duplicate outcomes.
func (s *LifecycleService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate job: %w", err)
	}

	deduped := broadcast.Dedupe(req.Recipients)
	if len(deduped.Unique) == 0 {
		return nil, errors.New("no valid recipients after deduplication")
	}
	req.Recipients = deduped.Unique

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.recordSkippedDuplicates(ctx, job.ID, deduped.Duplicates)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job created",
			"id", job.ID,
			"kind", job.Kind,
			"total", job.TotalCount,
			"duplicates_dropped", len(deduped.Duplicates),
		)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobKind:    string(job.Kind),
		Transition: "create",
		Result:     metrics.ResultSuccess,
	})

	return job, nil
}

// recordSkippedDuplicates writes a skipped_duplicate outcome per dropped
// recipient. Failures here never fail the create; the job is already durable.
func (s *LifecycleService) recordSkippedDuplicates(ctx context.Context, jobID string, dupes []model.RecipientTarget) {
	for _, d := range dupes {
		err := s.outcomes.Append(ctx, &model.RecipientOutcome{
			JobID:        jobID,
			RecipientKey: d.Key,
			Result:       model.OutcomeSkippedDuplicate,
		})
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "record duplicate skip failed",
				"job_id", jobID, "recipient_key", d.Key, "err", err)
		}
	}
}

// Get returns a job by id.
func (s *LifecycleService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// Claim acquires an exclusive lease on a specific job. A zero requested
// duration uses the configured default.
func (s *LifecycleService) Claim(ctx context.Context, id string, requested time.Duration) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(requested)
	job, err := s.repo.Claim(ctx, id, decision.Seconds)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job claimed",
			"id", job.ID, "lease_seconds", decision.Seconds, "clamped", decision.Clamped)
	}
	s.cache.Invalidate(ctx, id)
	return job, nil
}

// ClaimNextRunnable claims up to limit runnable jobs: pending jobs plus
// running jobs whose lease has expired (abandoned by a crashed worker).
func (s *LifecycleService) ClaimNextRunnable(ctx context.Context, limit int) ([]*model.Job, error) {
	decision := s.leasePolicy.Resolve(0)
	jobs, err := s.repo.ClaimNextRunnable(ctx, decision.Seconds, limit)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		s.cache.Invalidate(ctx, j.ID)
	}
	return jobs, nil
}

// Resume returns a paused job to pending so the next scheduler tick re-enters
// dispatch from the last committed checkpoint.
func (s *LifecycleService) Resume(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusPaused {
		return nil, fmt.Errorf("resume job %s: status is %s: %w", id, job.Status, data.ErrNotResumable)
	}

	ok, err := s.repo.ResumeToPending(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume job %s: %w", id, err)
	}
	if !ok {
		// Lost a race: someone cancelled or re-claimed it between read and write.
		return nil, data.ErrAlreadyClaimed
	}

	s.cache.Invalidate(ctx, id)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resumed", "id", id, "checkpoint", job.Checkpoint)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobKind:    string(job.Kind),
		Transition: "resume",
		Result:     metrics.ResultSuccess,
	})

	return s.repo.GetByID(ctx, id)
}

// Cancel moves a job to cancelled from any non-terminal state. Already
// recorded outcomes are preserved. Cancelling a cancelled job is a no-op.
// An in-flight batch finishes; the dispatcher observes the cancellation on
// its next fenced progress write.
func (s *LifecycleService) Cancel(ctx context.Context, id string) error {
	cancelled, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, id)
	if cancelled {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "job cancelled", "id", id)
		}
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: "cancel",
			Result:     metrics.ResultSuccess,
		})
	} else if s.logger != nil {
		s.logger.DebugContext(ctx, "cancel no-op, job already cancelled", "id", id)
	}
	return nil
}

// Stats returns counts of jobs grouped by status.
func (s *LifecycleService) Stats(ctx context.Context) (*model.JobStats, error) {
	return s.repo.Stats(ctx)
}
