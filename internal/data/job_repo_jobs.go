package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/membermail/membermail/internal/core"
	domainjob "github.com/membermail/membermail/internal/domain/job"
	"github.com/membermail/membermail/internal/data/pgxutil"
	"github.com/membermail/membermail/internal/domain/model"
)

// Create inserts a new job in pending status. Recipients are expected to be
// deduplicated and stably ordered by the caller; total_count is frozen here.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	recipients, err := json.Marshal(req.Recipients)
	if err != nil {
		return nil, fmt.Errorf("marshal recipients: %w", err)
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
			  INSERT INTO jobs(kind, owner_id, status, payload, recipients, total_count)
			  VALUES ($1, $2, 'pending', $3, $4, $5)
			  RETURNING `+jobColumns,
				req.Kind, req.OwnerID, []byte(req.Payload), recipients, len(req.Recipients))
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		var cerr error
		job, cerr = collectJobFromRows(rows)
		return cerr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

const claimUpdateSQL = `
  UPDATE jobs
  SET status = 'running',
      lease_token = $2,
      lease_expires_at = $3,
      started_at = COALESCE(started_at, $4),
      updated_at = $4
  WHERE id = $1
    AND status IN ('pending', 'paused', 'running')
    AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $4)
  RETURNING ` + jobColumns

// Claim acquires an exclusive lease on the given job. The returned job carries
// the fresh lease token; all subsequent progress writes must present it.
func (r *JobRepo) Claim(ctx context.Context, id string, leaseSeconds int) (*model.Job, error) {
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	token := domainjob.NewToken()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, claimUpdateSQL, id, token, leaseExpiresAt, now)
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()
			j, cerr := collectJobFromRows(rows)
			if cerr != nil {
				return cerr
			}
			job = j
			return nil
		},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyClaimFailure(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// classifyClaimFailure distinguishes not-found, terminal, and lease conflicts
// after a zero-row claim update.
func (r *JobRepo) classifyClaimFailure(ctx context.Context, id string) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	return ErrAlreadyClaimed
}

const claimNextRunnableSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE (status = 'pending'
           OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1)
           OR (status = 'paused' AND retry_after_secs IS NOT NULL
               AND updated_at + make_interval(secs => retry_after_secs) <= $1))
    ORDER BY created_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET status = 'running',
      lease_token = gen_random_uuid(),
      lease_expires_at = $3,
      started_at = COALESCE(j.started_at, $1),
      updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + jobColumns

// ClaimNextRunnable atomically claims up to limit runnable jobs: pending jobs,
// running jobs whose lease expired (abandoned by a dead process), and jobs
// paused on a rate limit whose retry-after hint has elapsed. Manually resumed
// jobs come through pending via ResumeToPending.
func (r *JobRepo) ClaimNextRunnable(ctx context.Context, leaseSeconds, limit int) ([]*model.Job, error) {
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}
	if limit < 1 {
		limit = 1
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	var jobs []*model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, claimNextRunnableSQL, now, limit, leaseExpiresAt)
			if qerr != nil {
				return fmt.Errorf("claim runnable jobs: %w", qerr)
			}
			defer rows.Close()
			var cerr error
			jobs, cerr = collectJobsFromRows(rows)
			return cerr
		},
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, model.ErrNoJobsRunnable
	}
	return jobs, nil
}

// SaveProgress commits the per-batch progress patch in one statement, fenced
// by the lease token. The lease is extended in the same write so a healthy
// dispatcher never loses its claim mid-job.
func (r *JobRepo) SaveProgress(ctx context.Context, id string, patch core.ProgressPatch) error {
	if patch.LeaseToken == "" {
		return errors.New("lease token is required")
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiresAt := now.Add(patch.ExtendLease)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET checkpoint = $3,
		    processed_count = $4,
		    success_count = $5,
		    failure_count = $6,
		    lease_expires_at = CASE WHEN $7::timestamptz > $8::timestamptz THEN $7 ELSE lease_expires_at END,
		    updated_at = $8
		WHERE id = $1
		  AND status = 'running'
		  AND lease_token = $2
		  AND lease_expires_at > $8
	`, id, patch.LeaseToken, patch.Checkpoint,
		patch.ProcessedCount, patch.SuccessCount, patch.FailureCount,
		leaseExpiresAt, now)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save progress rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete marks a running job as completed and clears its lease.
func (r *JobRepo) Complete(ctx context.Context, id, leaseToken string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $3,
		    updated_at = $3,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    last_error = NULL,
		    retry_after_secs = NULL
		WHERE id = $1 AND status = 'running' AND lease_token = $2
	`, id, leaseToken, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return oneRowAffected(res)
}

// Pause transitions a running job to paused, committing the final progress
// patch, the rate-limit reason, and the retry-after hint in one write.
func (r *JobRepo) Pause(ctx context.Context, id string, params core.PauseParams) (bool, error) {
	if params.Progress.LeaseToken == "" {
		return false, errors.New("lease token is required")
	}

	now := r.timeProvider.Now().UTC()
	var retryAfter *int
	if params.RetryAfter > 0 {
		secs := int(params.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		retryAfter = &secs
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'paused',
		    checkpoint = $3,
		    processed_count = $4,
		    success_count = $5,
		    failure_count = $6,
		    last_error = $7,
		    retry_after_secs = $8,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = $9
		WHERE id = $1 AND status = 'running' AND lease_token = $2
	`, id, params.Progress.LeaseToken, params.Progress.Checkpoint,
		params.Progress.ProcessedCount, params.Progress.SuccessCount, params.Progress.FailureCount,
		params.LastError, retryAfter, now)
	if err != nil {
		return false, fmt.Errorf("pause job: %w", err)
	}
	return oneRowAffected(res)
}

// Fail marks a job as failed with the given error message. Failure is
// terminal: per-recipient errors never land here, only payload- or
// owner-level ones.
func (r *JobRepo) Fail(ctx context.Context, id, leaseToken, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $3,
		    completed_at = $4,
		    updated_at = $4,
		    lease_token = NULL,
		    lease_expires_at = NULL
		WHERE id = $1 AND status IN ('running', 'paused') AND (lease_token = $2 OR lease_token IS NULL)
	`, id, leaseToken, errMsg, now)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return oneRowAffected(res)
}

// Cancel moves any non-terminal job to cancelled. An in-flight dispatch cycle
// observes this at its next progress write (the lease fence fails) and stops;
// already-recorded outcomes remain intact.
func (r *JobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2,
		    lease_token = NULL,
		    lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'running', 'paused')
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}

	cancelled, err := oneRowAffected(res)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}

	// Distinguish idempotent re-cancel from not-found.
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status == model.JobStatusCancelled {
		return false, nil
	}
	return false, ErrJobTerminal
}

// ResumeToPending returns a paused job to pending so the next scheduler tick
// re-enters dispatch from the last checkpoint.
func (r *JobRepo) ResumeToPending(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    last_error = NULL,
		    retry_after_secs = NULL,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'paused'
		  AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("resume job: %w", err)
	}
	return oneRowAffected(res)
}

// Stats returns counts of jobs in each state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
	  SELECT
	    count(*) FILTER (WHERE status = 'pending')   AS pending,
	    count(*) FILTER (WHERE status = 'running')   AS running,
	    count(*) FILTER (WHERE status = 'paused')    AS paused,
	    count(*) FILTER (WHERE status = 'completed') AS completed,
	    count(*) FILTER (WHERE status = 'failed')    AS failed,
	    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
	  FROM jobs
	`).Scan(&s.Pending, &s.Running, &s.Paused, &s.Completed, &s.Failed, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

func oneRowAffected(res sql.Result) (bool, error) {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
