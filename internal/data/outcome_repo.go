package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/membermail/membermail/internal/domain/model"
)

// OutcomeRepo is the append-only store for per-recipient outcomes. A partial
// unique index on (job_id, recipient_key) where result <> 'skipped_duplicate'
// makes Append the idempotency guard against double-counting on a
// crash-and-retry of the same batch.
type OutcomeRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewOutcomeRepo creates a new OutcomeRepo with the given database connection.
func NewOutcomeRepo(db *sql.DB, cfg RepoConfig) *OutcomeRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &OutcomeRepo{DB: db, timeProvider: tp}
}

// Append records one outcome. Returns ErrDuplicateOutcome if a non-duplicate
// outcome already exists for the (job, recipient) pair.
func (r *OutcomeRepo) Append(ctx context.Context, outcome *model.RecipientOutcome) error {
	if outcome == nil {
		return errors.New("outcome is required")
	}
	if !outcome.Result.Valid() {
		return fmt.Errorf("invalid outcome result: %q", outcome.Result)
	}

	attemptedAt := outcome.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = r.timeProvider.Now()
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO recipient_outcomes(job_id, recipient_key, result, error_kind, external_id, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, outcome.JobID, outcome.RecipientKey, outcome.Result,
		outcome.ErrorKind, outcome.ExternalID, attemptedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateOutcome
		}
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// ListByJob returns all outcomes for a job in append order.
func (r *OutcomeRepo) ListByJob(ctx context.Context, jobID string) ([]*model.RecipientOutcome, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_id, recipient_key, result, error_kind, external_id, attempted_at
		FROM recipient_outcomes
		WHERE job_id = $1
		ORDER BY attempted_at ASC, recipient_key ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*model.RecipientOutcome
	for rows.Next() {
		o := &model.RecipientOutcome{}
		var errorKind, externalID sql.NullString
		if scanErr := rows.Scan(&o.JobID, &o.RecipientKey, &o.Result, &errorKind, &externalID, &o.AttemptedAt); scanErr != nil {
			return nil, fmt.Errorf("scan outcome: %w", scanErr)
		}
		o.ErrorKind = cloneNullableString(errorKind)
		o.ExternalID = cloneNullableString(externalID)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// KeysByJob returns the set of recipient keys that already carry a
// non-duplicate-skip outcome. Resume consults this so no attempted recipient
// is ever re-sent, even when the checkpoint trails by one in-flight batch.
func (r *OutcomeRepo) KeysByJob(ctx context.Context, jobID string) (map[string]struct{}, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT recipient_key
		FROM recipient_outcomes
		WHERE job_id = $1 AND result <> 'skipped_duplicate'
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list outcome keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			return nil, fmt.Errorf("scan outcome key: %w", scanErr)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome keys: %w", err)
	}
	return keys, nil
}

// Breakdown aggregates persisted outcomes for a job, including the per
// error-kind split used by stats.
func (r *OutcomeRepo) Breakdown(ctx context.Context, jobID string) (*model.OutcomeBreakdown, error) {
	b := &model.OutcomeBreakdown{}

	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE result = 'success')           AS success,
		  count(*) FILTER (WHERE result = 'failed')            AS failed,
		  count(*) FILTER (WHERE result = 'skipped_duplicate') AS skipped
		FROM recipient_outcomes
		WHERE job_id = $1
	`, jobID).Scan(&b.Success, &b.Failed, &b.SkippedDupes)
	if err != nil {
		return nil, fmt.Errorf("outcome breakdown: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT error_kind, count(*)
		FROM recipient_outcomes
		WHERE job_id = $1 AND error_kind IS NOT NULL
		GROUP BY error_kind
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("outcome breakdown by error kind: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int
		if scanErr := rows.Scan(&kind, &count); scanErr != nil {
			return nil, fmt.Errorf("scan error kind: %w", scanErr)
		}
		if b.ByErrorKind == nil {
			b.ByErrorKind = make(map[string]int)
		}
		b.ByErrorKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error kinds: %w", err)
	}
	return b, nil
}

// DeleteByJob removes all outcomes for a job. Used only by account/job
// deletion paths; dispatch never mutates recorded outcomes.
func (r *OutcomeRepo) DeleteByJob(ctx context.Context, jobID string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM recipient_outcomes WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete outcomes: %w", err)
	}
	return nil
}
