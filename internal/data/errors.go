package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyClaimed is returned when a job holds an unexpired lease.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrJobTerminal is returned when an operation targets a completed, failed, or cancelled job.
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrNotResumable is returned when a resume targets a job that is not paused.
	ErrNotResumable = errors.New("job is not resumable")
	// ErrLeaseLost is returned when a progress write is fenced out because the
	// lease expired, was stolen, or the job left the running state.
	ErrLeaseLost = errors.New("job lease expired or stolen")
	// ErrDuplicateOutcome is returned when a second non-duplicate-skip outcome
	// is appended for the same (job, recipient).
	ErrDuplicateOutcome = errors.New("outcome already recorded for recipient")
)
