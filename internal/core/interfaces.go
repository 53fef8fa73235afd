// Package core defines the ports between the service layer and its
// collaborators: the durable job store, the outcome log, and the external
// senders. Services depend on these interfaces, never on concrete
// implementations.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/membermail/membermail/internal/domain/model"
)

// ProgressPatch is the atomic per-batch progress write. Checkpoint and the
// three counters land in a single statement, fenced by the lease token, so a
// crash between batches never loses committed progress.
type ProgressPatch struct {
	LeaseToken     string
	Checkpoint     int
	ProcessedCount int
	SuccessCount   int
	FailureCount   int
	ExtendLease    time.Duration
}

// PauseParams transitions a running job to paused together with its final
// progress patch (single logical write).
type PauseParams struct {
	Progress   ProgressPatch
	LastError  string
	RetryAfter time.Duration
}

// JobRepository defines durable job storage with claim/lease semantics.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// Claim acquires an exclusive lease on a specific non-terminal job.
	// Returns data.ErrAlreadyClaimed when an unexpired lease exists and
	// data.ErrJobTerminal when the job can no longer run.
	Claim(ctx context.Context, id string, leaseSeconds int) (*model.Job, error)

	// ClaimNextRunnable claims up to limit jobs that are pending, paused past
	// their retry-after hint, or running with an expired lease (abandoned).
	ClaimNextRunnable(ctx context.Context, leaseSeconds, limit int) ([]*model.Job, error)

	// SaveProgress commits a per-batch progress patch. Rejected with
	// data.ErrLeaseLost if the lease expired or was stolen.
	SaveProgress(ctx context.Context, id string, patch ProgressPatch) error

	Complete(ctx context.Context, id, leaseToken string) (bool, error)
	Pause(ctx context.Context, id string, params PauseParams) (bool, error)
	Fail(ctx context.Context, id, leaseToken, errMsg string) (bool, error)

	// Cancel moves any non-terminal job to cancelled, clearing its lease.
	// Idempotent: cancelling a cancelled job reports false with no error.
	Cancel(ctx context.Context, id string) (bool, error)

	// ResumeToPending returns a paused, unleased job to pending so the next
	// scheduler tick re-enters dispatch from the last checkpoint.
	ResumeToPending(ctx context.Context, id string) (bool, error)

	Stats(ctx context.Context) (*model.JobStats, error)
}

// DeleteOldJobsParams groups parameters for ReaperRepository.DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines cleanup of old terminal jobs.
type ReaperRepository interface {
	// DeleteOldJobs deletes up to BatchSize terminal jobs older than MaxAge,
	// cascading to their recipient outcomes. Returns the rows deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// OutcomeRepository is the append-only per-recipient outcome log.
type OutcomeRepository interface {
	// Append records one outcome. A second non-duplicate-skip outcome for the
	// same (job, recipient) is rejected with data.ErrDuplicateOutcome.
	Append(ctx context.Context, outcome *model.RecipientOutcome) error
	ListByJob(ctx context.Context, jobID string) ([]*model.RecipientOutcome, error)
	// KeysByJob returns the set of recipient keys with a non-duplicate-skip
	// outcome, used at resume time to never re-send an attempted recipient.
	KeysByJob(ctx context.Context, jobID string) (map[string]struct{}, error)
	Breakdown(ctx context.Context, jobID string) (*model.OutcomeBreakdown, error)
	DeleteByJob(ctx context.Context, jobID string) error
}

// SendResult carries the provider message id for a successful send.
type SendResult struct {
	ExternalID string
}

// ExternalSender performs one send to one recipient. Failures are returned as
// *model.SendError so the dispatcher can classify them; any other error is
// treated as transient.
type ExternalSender interface {
	Send(ctx context.Context, recipient model.RecipientTarget, payload json.RawMessage) (*SendResult, error)
}

// SnapshotCache caches status snapshots for the high-frequency poll path.
type SnapshotCache interface {
	Get(ctx context.Context, jobID string) (*model.StatusSnapshot, bool)
	Set(ctx context.Context, snap *model.StatusSnapshot)
	Invalidate(ctx context.Context, jobID string)
}
