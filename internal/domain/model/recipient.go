package model

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeResult classifies the final result of one (job, recipient) attempt.
type OutcomeResult string

const (
	// OutcomeSuccess indicates the external send succeeded.
	OutcomeSuccess OutcomeResult = "success"
	// OutcomeFailed indicates the send failed after exhausting its retry budget.
	OutcomeFailed OutcomeResult = "failed"
	// OutcomeSkippedDuplicate indicates the recipient was dropped during deduplication.
	OutcomeSkippedDuplicate OutcomeResult = "skipped_duplicate"
)

// Valid returns true if the OutcomeResult is valid.
func (r OutcomeResult) Valid() bool {
	return r == OutcomeSuccess || r == OutcomeFailed || r == OutcomeSkippedDuplicate
}

// SendErrorKind classifies a failure from the external sender.
type SendErrorKind string

const (
	// SendErrorRateLimited means the provider throttled us; dispatch must pause.
	SendErrorRateLimited SendErrorKind = "rate_limited"
	// SendErrorTransient means a network/5xx failure worth retrying.
	SendErrorTransient SendErrorKind = "transient"
	// SendErrorInvalidRecipient means the recipient is permanently unreachable.
	SendErrorInvalidRecipient SendErrorKind = "invalid_recipient"
	// SendErrorFatal means a payload- or credential-level failure; the job fails.
	SendErrorFatal SendErrorKind = "fatal"
)

// SendError is a classified failure returned by an ExternalSender.
type SendError struct {
	Kind       SendErrorKind
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("send %s: %v", e.Kind, e.Cause)
	}
	return "send " + string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *SendError) Unwrap() error { return e.Cause }

// AsSendError extracts a *SendError from err, or nil if err is not one.
func AsSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// RecipientTarget is one target of a job: a normalized key plus the display
// fields the sender needs (name, email, platform user id).
type RecipientTarget struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields,omitempty"`
}

// RecipientOutcome records one attempt result for one (job, recipient) pair.
// Rows are append-only; at most one non-duplicate-skip outcome may exist per
// (job_id, recipient_key).
type RecipientOutcome struct {
	JobID        string        `json:"job_id"        db:"job_id"`
	RecipientKey string        `json:"recipient_key" db:"recipient_key"`
	Result       OutcomeResult `json:"result"        db:"result"`
	ErrorKind    *string       `json:"error_kind,omitempty"  db:"error_kind"`
	ExternalID   *string       `json:"external_id,omitempty" db:"external_id"`
	AttemptedAt  time.Time     `json:"attempted_at"  db:"attempted_at"`
}

// OutcomeBreakdown aggregates persisted outcomes for a job.
type OutcomeBreakdown struct {
	Success      int            `json:"success"`
	Failed       int            `json:"failed"`
	SkippedDupes int            `json:"skipped_duplicates"`
	ByErrorKind  map[string]int `json:"by_error_kind,omitempty"`
}

// Counted returns the number of non-duplicate outcomes.
func (b *OutcomeBreakdown) Counted() int {
	return b.Success + b.Failed
}

// JobAggregateStats is the computed statistics view for a job.
type JobAggregateStats struct {
	JobID       string           `json:"job_id"`
	SuccessRate float64          `json:"success_rate"`
	FailureRate float64          `json:"failure_rate"`
	Breakdown   OutcomeBreakdown `json:"breakdown"`
	// Reconciled reports whether success+failure across persisted outcomes
	// matches the counts committed on the job row.
	Reconciled bool `json:"reconciled"`
}
