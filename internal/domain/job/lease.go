// Package job holds domain logic for job leases: duration normalization and
// token generation for single-writer fencing.
package job

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy normalises lease durations for job claims and heartbeats.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Clamped   bool
	Defaulted bool
	Requested time.Duration
}

// Resolve normalises the requested duration to a whole number of seconds.
// Zero requests fall back to the default; sub-second and negative requests
// clamp to one second so a lease can never expire instantly.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}

	effective := request
	if request == 0 && p != nil {
		effective = p.defaultLease
		decision.Defaulted = true
	}

	if effective <= 0 {
		decision.Seconds = 1
		decision.Clamped = true
		return decision
	}

	seconds := int64(effective / time.Second)
	if seconds <= 0 {
		decision.Seconds = 1
		decision.Clamped = true
		return decision
	}
	if seconds > int64(math.MaxInt) {
		decision.Seconds = math.MaxInt
		decision.Clamped = true
		return decision
	}
	decision.Seconds = int(seconds)
	return decision
}

// NewToken returns a fresh opaque lease token. Every claim gets its own token
// so a stale holder's progress writes can be fenced out after expiry.
func NewToken() string {
	return uuid.NewString()
}
