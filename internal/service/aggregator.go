package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/data"
	"github.com/membermail/membermail/internal/domain/model"
)

// AggregatorOptions groups dependencies for ResultAggregator.
type AggregatorOptions struct {
	Repo     core.JobRepository     // Required: job repository
	Outcomes core.OutcomeRepository // Required: outcome log
	Logger   *slog.Logger           // Optional: structured logger
}

// ResultAggregator provides the read and write surface over the per-recipient
// outcome log: idempotent outcome recording, listing, and computed statistics
// that reconcile the log against the counters on the job row.
type ResultAggregator struct {
	repo     core.JobRepository
	outcomes core.OutcomeRepository
	logger   *slog.Logger
}

// NewResultAggregator constructs a new ResultAggregator.
func NewResultAggregator(opts AggregatorOptions) (*ResultAggregator, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Outcomes == nil {
		return nil, errors.New("OutcomeRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "result_aggregator")
	}

	return &ResultAggregator{
		repo:     opts.Repo,
		outcomes: opts.Outcomes,
		logger:   logger,
	}, nil
}

// RecordOutcome appends one outcome. Recording the same (job, recipient)
// attempt twice is a no-op; the first write wins and recorded reports false.
func (a *ResultAggregator) RecordOutcome(ctx context.Context, outcome *model.RecipientOutcome) (recorded bool, err error) {
	err = a.outcomes.Append(ctx, outcome)
	if errors.Is(err, data.ErrDuplicateOutcome) {
		if a.logger != nil {
			a.logger.DebugContext(ctx, "outcome already recorded",
				"job_id", outcome.JobID, "recipient_key", outcome.RecipientKey)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListOutcomes returns all recorded outcomes for a job in append order.
func (a *ResultAggregator) ListOutcomes(ctx context.Context, jobID string) ([]*model.RecipientOutcome, error) {
	if _, err := a.repo.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return a.outcomes.ListByJob(ctx, jobID)
}

// Stats computes aggregate statistics for a job from the outcome log and
// reconciles them against the committed counters on the job row.
func (a *ResultAggregator) Stats(ctx context.Context, jobID string) (*model.JobAggregateStats, error) {
	job, err := a.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	breakdown, err := a.outcomes.Breakdown(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("outcome breakdown for job %s: %w", jobID, err)
	}

	stats := &model.JobAggregateStats{
		JobID:     jobID,
		Breakdown: *breakdown,
	}

	if counted := breakdown.Counted(); counted > 0 {
		stats.SuccessRate = float64(breakdown.Success) / float64(counted)
		stats.FailureRate = float64(breakdown.Failed) / float64(counted)
	}

	// The log runs ahead of the row only between an outcome append and the
	// batch commit that counts it; at rest they agree.
	stats.Reconciled = breakdown.Counted() == job.ProcessedCount &&
		breakdown.Success == job.SuccessCount &&
		breakdown.Failed == job.FailureCount

	if !stats.Reconciled && a.logger != nil {
		a.logger.DebugContext(ctx, "outcome log ahead of job counters",
			"job_id", jobID,
			"log_counted", breakdown.Counted(),
			"row_processed", job.ProcessedCount,
		)
	}
	return stats, nil
}
