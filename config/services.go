package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the job scheduler and dispatch workers.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the job reaper for cleanup of old terminal jobs.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeScheduler, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// DispatcherConfig contains batch dispatch configuration.
type DispatcherConfig struct {
	// BatchSize is the number of recipients sent per batch.
	BatchSize int `env:"DISPATCH_BATCH_SIZE" envDefault:"25"`

	// SendsPerSecond caps the steady-state send rate per job.
	SendsPerSecond float64 `env:"DISPATCH_SENDS_PER_SECOND" envDefault:"10"`

	// SendConcurrency is the number of concurrent sends within a batch.
	SendConcurrency int `env:"DISPATCH_SEND_CONCURRENCY" envDefault:"1"`

	// RetryBudget is the number of attempts for a transiently failing recipient.
	RetryBudget int `env:"DISPATCH_RETRY_BUDGET" envDefault:"3"`

	// RetryBackoff is the base backoff between transient retries of one recipient.
	RetryBackoff time.Duration `env:"DISPATCH_RETRY_BACKOFF" envDefault:"500ms"`

	// JobLease is the duration a claimed job is leased for. The lease is
	// extended on every batch commit.
	JobLease time.Duration `env:"DISPATCH_JOB_LEASE" envDefault:"30s"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatcherConfig) Sanitize() {
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.SendsPerSecond <= 0 {
		d.SendsPerSecond = 1
	}
	if d.SendConcurrency < 1 {
		d.SendConcurrency = 1
	}
	if d.RetryBudget < 1 {
		d.RetryBudget = 1
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = 500 * time.Millisecond
	}
	if d.JobLease < 5*time.Second {
		d.JobLease = 5 * time.Second
	}
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	// ClaimLimit is the maximum number of jobs claimed per tick.
	ClaimLimit int `env:"SCHEDULER_CLAIM_LIMIT" envDefault:"5"`

	// MaxConcurrentJobs bounds the number of jobs dispatching at once.
	MaxConcurrentJobs int `env:"SCHEDULER_MAX_CONCURRENT_JOBS" envDefault:"10"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < 100*time.Millisecond {
		s.Interval = 100 * time.Millisecond
	}
	if s.ClaimLimit < 1 {
		s.ClaimLimit = 1
	}
	if s.MaxConcurrentJobs < 1 {
		s.MaxConcurrentJobs = 1
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// CancelledMaxAge is the maximum age for cancelled jobs before deletion.
	CancelledMaxAge time.Duration `env:"REAPER_CANCELLED_MAX_AGE" envDefault:"72h"` // 3 days

	// BatchSize is the maximum number of rows to delete per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.CancelledMaxAge < 1*time.Hour {
		r.CancelledMaxAge = 1 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
