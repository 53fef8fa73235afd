package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/data"
	"github.com/membermail/membermail/internal/domain/broadcast"
	"github.com/membermail/membermail/internal/domain/model"
	"github.com/membermail/membermail/internal/observability/metrics"
	"github.com/membermail/membermail/internal/observability/notify"
	"github.com/membermail/membermail/internal/observability/statsd"
)

// FailureNotifier publishes terminal job failures to external sinks.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}

// DispatcherOptions groups dependencies for Dispatcher.
type DispatcherOptions struct {
	Repo     core.JobRepository                     // Required: job repository
	Outcomes core.OutcomeRepository                 // Required: outcome log
	Senders  map[model.JobKind]core.ExternalSender  // Required: one sender per supported kind
	Cache    core.SnapshotCache                     // Optional: snapshot cache to invalidate on transitions
	Logger   *slog.Logger                           // Optional: structured logger
	Metrics  statsd.Sink                            // Optional: metric sink
	Notifier FailureNotifier                        // Optional: failure notification fan-out

	BatchSize       int           // Recipients per batch; defaults to 25
	SendsPerSecond  float64       // Steady-state rate cap; defaults to 10
	SendConcurrency int           // Concurrent sends within a batch; defaults to 1
	RetryBudget     int           // Attempts per transiently failing recipient; defaults to 3
	RetryBackoff    time.Duration // Base backoff between transient retries; defaults to 500ms
	LeaseExtension  time.Duration // Lease extension per batch commit; defaults to 30s

	// Now overrides the clock for tests.
	Now func() time.Time
	// Sleep overrides retry backoff waiting for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher drives one claimed job through rate-limited batch dispatch:
// partition remaining recipients into batches, send each recipient through
// the kind's external sender, append outcomes, and commit progress after
// every batch in a single lease-fenced write.
type Dispatcher struct {
	repo     core.JobRepository
	outcomes core.OutcomeRepository
	senders  map[model.JobKind]core.ExternalSender
	cache    core.SnapshotCache
	logger   *slog.Logger
	metrics  statsd.Sink
	notifier FailureNotifier

	batchSize       int
	sendsPerSecond  float64
	sendConcurrency int
	retryBudget     int
	retryBackoff    time.Duration
	leaseExtension  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher constructs a new Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Outcomes == nil {
		return nil, errors.New("OutcomeRepository is required")
	}
	if len(opts.Senders) == 0 {
		return nil, errors.New("at least one sender is required")
	}

	d := &Dispatcher{
		repo:            opts.Repo,
		outcomes:        opts.Outcomes,
		senders:         opts.Senders,
		cache:           opts.Cache,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		notifier:        opts.Notifier,
		batchSize:       opts.BatchSize,
		sendsPerSecond:  opts.SendsPerSecond,
		sendConcurrency: opts.SendConcurrency,
		retryBudget:     opts.RetryBudget,
		retryBackoff:    opts.RetryBackoff,
		leaseExtension:  opts.LeaseExtension,
		now:             opts.Now,
		sleep:           opts.Sleep,
	}
	if d.cache == nil {
		d.cache = data.NoopSnapshotCache{}
	}
	if d.logger != nil {
		d.logger = d.logger.With("component", "dispatcher")
	} else {
		d.logger = slog.Default().With("component", "dispatcher")
	}
	if d.batchSize < 1 {
		d.batchSize = 25
	}
	if d.sendsPerSecond <= 0 {
		d.sendsPerSecond = 10
	}
	if d.sendConcurrency < 1 {
		d.sendConcurrency = 1
	}
	if d.retryBudget < 1 {
		d.retryBudget = 3
	}
	if d.retryBackoff <= 0 {
		d.retryBackoff = 500 * time.Millisecond
	}
	if d.leaseExtension <= 0 {
		d.leaseExtension = 30 * time.Second
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sleep == nil {
		d.sleep = sleepCtx
	}
	return d, nil
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errStopCycle signals an orderly stop: the job was cancelled out from under
// the running cycle and all committed state is already final.
var errStopCycle = errors.New("dispatch cycle stopped")

// pauseSignal aborts the cycle for a provider rate limit.
type pauseSignal struct {
	retryAfter time.Duration
	cause      error
}

func (p *pauseSignal) Error() string { return fmt.Sprintf("rate limited: %v", p.cause) }

// fatalSignal aborts the cycle for an unrecoverable send failure.
type fatalSignal struct {
	recipientKey string
	cause        error
}

func (f *fatalSignal) Error() string {
	return fmt.Sprintf("fatal send error for %s: %v", f.recipientKey, f.cause)
}

// cycleState tracks committed and in-batch counters for one dispatch cycle.
type cycleState struct {
	mu sync.Mutex

	// Committed at the last batch boundary.
	success  int
	failure  int
	skipKeys map[string]struct{}

	// Accumulated inside the current batch.
	batchSuccess int
	batchFailure int
}

func (s *cycleState) recordSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSuccess++
	s.skipKeys[key] = struct{}{}
}

func (s *cycleState) recordFailure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchFailure++
	s.skipKeys[key] = struct{}{}
}

func (s *cycleState) commitBatch() {
	s.success += s.batchSuccess
	s.failure += s.batchFailure
	s.batchSuccess = 0
	s.batchFailure = 0
}

func (s *cycleState) attempted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.skipKeys[key]
	return ok
}

// RunCycle dispatches one claimed, running job until it completes, pauses,
// fails, or loses its lease. The caller must hold the job's lease.
//
// Counters are reconciled from the persisted outcome log before the first
// batch, so a cycle resumed after a mid-batch crash never re-sends an
// attempted recipient and never double-counts it.
func (d *Dispatcher) RunCycle(ctx context.Context, job *model.Job) error {
	err := d.runCycle(ctx, job)
	if errors.Is(err, errStopCycle) {
		return nil
	}
	return err
}

func (d *Dispatcher) runCycle(ctx context.Context, job *model.Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	if job.Status != model.JobStatusRunning || job.LeaseToken == nil {
		return fmt.Errorf("job %s is not claimed for dispatch (status %s)", job.ID, job.Status)
	}
	sender, ok := d.senders[job.Kind]
	if !ok {
		return fmt.Errorf("no sender registered for kind %q", job.Kind)
	}

	state, err := d.loadState(ctx, job)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(d.sendsPerSecond), 1)
	token := *job.LeaseToken
	checkpoint := job.Checkpoint
	start := d.now()

	d.logger.InfoContext(ctx, "dispatch cycle started",
		"job_id", job.ID,
		"kind", job.Kind,
		"checkpoint", checkpoint,
		"remaining", job.Remaining(),
	)

	for _, batch := range broadcast.Batches(job.Recipients, checkpoint, d.batchSize) {
		batchStart := d.now()
		if err := d.runBatch(ctx, job, sender, limiter, state, batch); err != nil {
			return d.abortCycle(ctx, job, token, checkpoint, state, err)
		}

		checkpoint += len(batch)
		batchSuccess, batchFailure := state.batchSuccess, state.batchFailure
		state.commitBatch()

		if err := d.commitProgress(ctx, job, token, checkpoint, state); err != nil {
			return err
		}

		metrics.EmitBatch(d.metrics, metrics.BatchMetric{
			JobKind:  string(job.Kind),
			Size:     len(batch),
			Success:  batchSuccess,
			Failure:  batchFailure,
			Duration: d.now().Sub(batchStart),
		})
	}

	done, err := d.repo.Complete(ctx, job.ID, token)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	d.cache.Invalidate(ctx, job.ID)
	if !done {
		return d.reloadAfterFence(ctx, job.ID, "complete")
	}

	d.logger.InfoContext(ctx, "dispatch cycle completed",
		"job_id", job.ID,
		"success", state.success,
		"failure", state.failure,
		"duration", d.now().Sub(start),
	)
	metrics.EmitJobLifecycle(d.metrics, metrics.JobMetric{
		JobKind:    string(job.Kind),
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Duration:   d.now().Sub(start),
	})
	return nil
}

// loadState seeds the cycle counters and skip set from the outcome log.
func (d *Dispatcher) loadState(ctx context.Context, job *model.Job) (*cycleState, error) {
	skipKeys, err := d.outcomes.KeysByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load attempted keys for job %s: %w", job.ID, err)
	}

	state := &cycleState{
		success:  job.SuccessCount,
		failure:  job.FailureCount,
		skipKeys: skipKeys,
	}

	// A crash between outcome append and progress commit leaves the log ahead
	// of the job row. The log wins.
	breakdown, err := d.outcomes.Breakdown(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load outcome breakdown for job %s: %w", job.ID, err)
	}
	if breakdown.Counted() > job.ProcessedCount {
		state.success = breakdown.Success
		state.failure = breakdown.Failed
	}
	return state, nil
}

// runBatch sends every not-yet-attempted recipient in the batch, honoring the
// rate limiter and the concurrency bound.
func (d *Dispatcher) runBatch(
	ctx context.Context,
	job *model.Job,
	sender core.ExternalSender,
	limiter *rate.Limiter,
	state *cycleState,
	batch []model.RecipientTarget,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.sendConcurrency)

	for _, recipient := range batch {
		if state.attempted(recipient.Key) {
			continue
		}
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			return d.sendOne(gctx, job, sender, state, recipient)
		})
	}
	return g.Wait()
}

// sendOne attempts a single recipient with the transient retry budget and
// records its outcome.
func (d *Dispatcher) sendOne(
	ctx context.Context,
	job *model.Job,
	sender core.ExternalSender,
	state *cycleState,
	recipient model.RecipientTarget,
) error {
	var lastErr error
	for attempt := 1; attempt <= d.retryBudget; attempt++ {
		res, err := sender.Send(ctx, recipient, job.Payload)
		if err == nil {
			var externalID *string
			if res != nil && res.ExternalID != "" {
				externalID = &res.ExternalID
			}
			if err := d.appendOutcome(ctx, job.ID, recipient.Key, model.OutcomeSuccess, nil, externalID); err != nil {
				return err
			}
			state.recordSuccess(recipient.Key)
			return nil
		}

		se := model.AsSendError(err)
		if se == nil {
			se = &model.SendError{Kind: model.SendErrorTransient, Cause: err}
		}
		lastErr = se
		metrics.EmitSendError(d.metrics, string(job.Kind), string(se.Kind))

		switch se.Kind {
		case model.SendErrorRateLimited:
			return &pauseSignal{retryAfter: se.RetryAfter, cause: se}

		case model.SendErrorFatal:
			kind := string(se.Kind)
			if appendErr := d.appendOutcome(ctx, job.ID, recipient.Key, model.OutcomeFailed, &kind, nil); appendErr != nil {
				return appendErr
			}
			state.recordFailure(recipient.Key)
			return &fatalSignal{recipientKey: recipient.Key, cause: se}

		case model.SendErrorInvalidRecipient:
			kind := string(se.Kind)
			if appendErr := d.appendOutcome(ctx, job.ID, recipient.Key, model.OutcomeFailed, &kind, nil); appendErr != nil {
				return appendErr
			}
			state.recordFailure(recipient.Key)
			return nil

		case model.SendErrorTransient:
			if attempt < d.retryBudget {
				if sleepErr := d.sleep(ctx, d.retryBackoff*time.Duration(attempt)); sleepErr != nil {
					return sleepErr
				}
				continue
			}
		}
	}

	// Retry budget exhausted.
	kind := string(model.SendErrorTransient)
	if appendErr := d.appendOutcome(ctx, job.ID, recipient.Key, model.OutcomeFailed, &kind, nil); appendErr != nil {
		return appendErr
	}
	state.recordFailure(recipient.Key)
	d.logger.WarnContext(ctx, "recipient failed after retries",
		"job_id", job.ID, "recipient_key", recipient.Key, "err", lastErr)
	return nil
}

// appendOutcome writes one outcome row. A duplicate means another attempt for
// this recipient already landed (crash replay); it is absorbed silently and
// the caller must not count the recipient again.
func (d *Dispatcher) appendOutcome(
	ctx context.Context,
	jobID, key string,
	result model.OutcomeResult,
	errorKind, externalID *string,
) error {
	err := d.outcomes.Append(ctx, &model.RecipientOutcome{
		JobID:        jobID,
		RecipientKey: key,
		Result:       result,
		ErrorKind:    errorKind,
		ExternalID:   externalID,
		AttemptedAt:  d.now(),
	})
	if errors.Is(err, data.ErrDuplicateOutcome) {
		d.logger.DebugContext(ctx, "outcome already recorded", "job_id", jobID, "recipient_key", key)
		return nil
	}
	return err
}

// commitProgress writes the per-batch progress patch, extending the lease.
func (d *Dispatcher) commitProgress(ctx context.Context, job *model.Job, token string, checkpoint int, state *cycleState) error {
	patch := core.ProgressPatch{
		LeaseToken:     token,
		Checkpoint:     checkpoint,
		ProcessedCount: state.success + state.failure,
		SuccessCount:   state.success,
		FailureCount:   state.failure,
		ExtendLease:    d.leaseExtension,
	}

	err := d.repo.SaveProgress(ctx, job.ID, patch)
	if err == nil {
		d.cache.Invalidate(ctx, job.ID)
		return nil
	}
	if errors.Is(err, data.ErrLeaseLost) {
		return d.reloadAfterFence(ctx, job.ID, "progress")
	}
	return fmt.Errorf("save progress for job %s: %w", job.ID, err)
}

// reloadAfterFence inspects a job after a fenced write was rejected. A
// cancelled job is an orderly stop; anything else means the lease was stolen.
func (d *Dispatcher) reloadAfterFence(ctx context.Context, jobID, op string) error {
	current, err := d.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job %s after fenced %s: %w", jobID, op, err)
	}
	if current.Status == model.JobStatusCancelled {
		d.logger.InfoContext(ctx, "dispatch stopped, job cancelled", "job_id", jobID)
		return errStopCycle
	}
	d.logger.WarnContext(ctx, "dispatch fenced off",
		"job_id", jobID, "op", op, "status", current.Status)
	return fmt.Errorf("job %s: %w", jobID, data.ErrLeaseLost)
}

// abortCycle handles a batch-level abort: pause on rate limit, fail on fatal
// error, propagate everything else. The checkpoint committed on pause is the
// batch start; in-batch outcomes stay in the log and are reconciled on resume.
func (d *Dispatcher) abortCycle(
	ctx context.Context,
	job *model.Job,
	token string,
	checkpoint int,
	state *cycleState,
	cause error,
) error {
	var pause *pauseSignal
	if errors.As(cause, &pause) {
		msg := pause.Error()
		paused, err := d.repo.Pause(ctx, job.ID, core.PauseParams{
			Progress: core.ProgressPatch{
				LeaseToken:     token,
				Checkpoint:     checkpoint,
				ProcessedCount: state.success + state.failure,
				SuccessCount:   state.success,
				FailureCount:   state.failure,
			},
			LastError:  msg,
			RetryAfter: pause.retryAfter,
		})
		if err != nil {
			return fmt.Errorf("pause job %s: %w", job.ID, err)
		}
		d.cache.Invalidate(ctx, job.ID)
		if !paused {
			return d.reloadAfterFence(ctx, job.ID, "pause")
		}
		d.logger.InfoContext(ctx, "dispatch paused on rate limit",
			"job_id", job.ID, "checkpoint", checkpoint, "retry_after", pause.retryAfter)
		metrics.EmitJobLifecycle(d.metrics, metrics.JobMetric{
			JobKind:    string(job.Kind),
			Transition: "pause",
			Result:     metrics.ResultSuccess,
		})
		return nil
	}

	var fatal *fatalSignal
	if errors.As(cause, &fatal) {
		failed, err := d.repo.Fail(ctx, job.ID, token, fatal.Error())
		if err != nil {
			return fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		d.cache.Invalidate(ctx, job.ID)
		if !failed {
			return d.reloadAfterFence(ctx, job.ID, "fail")
		}
		d.logger.ErrorContext(ctx, "dispatch failed on fatal send error",
			"job_id", job.ID, "recipient_key", fatal.recipientKey, "err", fatal.cause)
		metrics.EmitJobLifecycle(d.metrics, metrics.JobMetric{
			JobKind:    string(job.Kind),
			Transition: "fail",
			Result:     metrics.ResultError,
			Err:        fatal.cause,
		})
		d.notifyFailure(ctx, job, fatal)
		return nil
	}

	return cause
}

// notifyFailure publishes the terminal failure to the configured sinks.
func (d *Dispatcher) notifyFailure(ctx context.Context, job *model.Job, fatal *fatalSignal) {
	if d.notifier == nil {
		return
	}
	var errorKind string
	if se := model.AsSendError(fatal.cause); se != nil {
		errorKind = string(se.Kind)
	}
	d.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:      job.ID,
		JobKind:    string(job.Kind),
		OwnerID:    job.OwnerID,
		Error:      fatal.Error(),
		ErrorKind:  errorKind,
		OccurredAt: d.now(),
		Metadata:   map[string]string{"recipient_key": fatal.recipientKey},
	})
}
