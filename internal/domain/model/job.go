// Package model defines the core data types used throughout the membermail job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind represents the kind of bulk work a job performs.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobKindBroadcastMessage sends a platform DM to each recipient.
	JobKindBroadcastMessage JobKind = "broadcast-message"
	// JobKindEmailSend sends an email to each recipient.
	JobKindEmailSend JobKind = "email-send"
	// JobKindBatchSync pushes membership records into an email-marketing audience.
	JobKindBatchSync JobKind = "batch-sync"

	// JobStatusPending indicates a job is waiting for its first dispatch cycle.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a dispatch cycle is active.
	JobStatusRunning JobStatus = "running"
	// JobStatusPaused indicates dispatch stopped on a rate limit or explicit pause.
	JobStatusPaused JobStatus = "paused"
	// JobStatusCompleted indicates every recipient has been processed.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates an unrecoverable error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a user-initiated cancel.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsRunnable is returned when no jobs are available for claiming.
var ErrNoJobsRunnable = errors.New("no runnable jobs")

// UnmarshalText implements encoding.TextUnmarshaler for JobKind to allow env parsing.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jk := JobKind(v)
	if jk.Valid() {
		*k = jk
		return nil
	}
	return fmt.Errorf("invalid JobKind: %q", v)
}

// Valid returns true if the JobKind is valid.
func (k JobKind) Valid() bool {
	return k == JobKindBroadcastMessage || k == JobKindEmailSend || k == JobKindBatchSync
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case JobStatusRunning:
		return s == JobStatusPending || s == JobStatusPaused
	case JobStatusPaused:
		return s == JobStatusRunning
	case JobStatusCompleted:
		return s == JobStatusRunning
	case JobStatusFailed:
		return s == JobStatusRunning || s == JobStatusPaused
	case JobStatusCancelled:
		return true
	case JobStatusPending:
		return s == JobStatusPaused
	}
	return false
}

// Job represents a durable unit of bulk-send work with progress and status.
//
// Counts obey processed <= total and success + failure == processed at every
// committed point. Checkpoint is an index into the deduplicated recipient
// order; everything before it has been attempted and committed.
type Job struct {
	ID             string            `json:"id"                         db:"id"`
	Kind           JobKind           `json:"kind"                       db:"kind"`
	OwnerID        string            `json:"owner_id"                   db:"owner_id"`
	Status         JobStatus         `json:"status"                     db:"status"`
	Payload        json.RawMessage   `json:"payload"                    db:"payload"`
	Recipients     []RecipientTarget `json:"recipients,omitempty"       db:"recipients"`
	TotalCount     int               `json:"total_count"                db:"total_count"`
	ProcessedCount int               `json:"processed_count"            db:"processed_count"`
	SuccessCount   int               `json:"success_count"              db:"success_count"`
	FailureCount   int               `json:"failure_count"              db:"failure_count"`
	Checkpoint     int               `json:"checkpoint"                 db:"checkpoint"`
	LastError      *string           `json:"last_error,omitempty"       db:"last_error"`
	RetryAfterSecs *int              `json:"retry_after_secs,omitempty" db:"retry_after_secs"`
	LeaseToken     *string           `json:"-"                          db:"lease_token"`
	LeaseExpiresAt *time.Time        `json:"-"                          db:"lease_expires_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"     db:"completed_at"`
	CreatedAt      time.Time         `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"                 db:"updated_at"`
}

// Remaining returns the number of recipients not yet covered by the checkpoint.
func (j *Job) Remaining() int {
	if j.Checkpoint >= j.TotalCount {
		return 0
	}
	return j.TotalCount - j.Checkpoint
}

// Leased reports whether the job holds an unexpired lease at the given time.
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseToken != nil && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// CreateJobRequest represents a request to create a new job.
//
// Recipients must already be deduplicated in stable first-seen order; the
// lifecycle service does this before handing the request to the store.
type CreateJobRequest struct {
	Kind       JobKind           `json:"kind"`
	OwnerID    string            `json:"owner_id"`
	Payload    json.RawMessage   `json:"payload"`
	Recipients []RecipientTarget `json:"recipients"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid job kind: %q", r.Kind)
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return errors.New("payload is required")
	}
	if len(r.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	for i := range r.Recipients {
		if strings.TrimSpace(r.Recipients[i].Key) == "" {
			return fmt.Errorf("recipient %d: key is required", i)
		}
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// StatusSnapshot is the poll-able view of a job served to callers.
//
// EstimatedCompletionAt is extrapolated from observed throughput and is an
// estimate only, never a commitment; it is nil until enough progress exists
// to derive one.
type StatusSnapshot struct {
	JobID                 string     `json:"job_id"`
	Status                JobStatus  `json:"status"`
	ProcessedCount        int        `json:"processed_count"`
	TotalMembers          int        `json:"total_members"`
	SuccessCount          int        `json:"success_count"`
	FailureCount          int        `json:"failure_count"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
	ThroughputPerSec      float64    `json:"throughput_per_sec,omitempty"`
	LastError             *string    `json:"last_error,omitempty"`
	RetryAfterSecs        *int       `json:"retry_after_secs,omitempty"`
}
