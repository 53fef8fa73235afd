// Package scheduler runs the dispatch loop: claim runnable jobs on a cron
// tick and drive each through the dispatcher in a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/membermail/membermail/config"
	"github.com/membermail/membermail/internal/domain/model"
	obserrors "github.com/membermail/membermail/internal/observability/errors"
	"github.com/membermail/membermail/internal/observability/metrics"
	"github.com/membermail/membermail/internal/observability/statsd"
	"github.com/membermail/membermail/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Lifecycle  *service.LifecycleService // Required: claims runnable jobs
	Dispatcher *service.Dispatcher       // Required: runs dispatch cycles
	Config     config.SchedulerConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// Runner claims runnable jobs on each tick and hands every claimed job to a
// dispatch worker. At most Config.MaxConcurrentJobs jobs dispatch at once;
// additional claims wait for a free slot before the next tick claims more.
type Runner struct {
	lifecycle  *service.LifecycleService
	dispatcher *service.Dispatcher
	cfg        config.SchedulerConfig
	logger     *slog.Logger
	metrics    statsd.Sink

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Lifecycle == nil {
		return nil, errors.New("lifecycle service is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		lifecycle:  opts.Lifecycle,
		dispatcher: opts.Dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "scheduler_runner"),
		metrics:    opts.Metrics,
		slots:      make(chan struct{}, cfg.MaxConcurrentJobs),
	}, nil
}

// Run starts the tick schedule and blocks until the context is cancelled.
// In-flight dispatch cycles are waited for on shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner",
		"interval", r.cfg.Interval,
		"claim_limit", r.cfg.ClaimLimit,
		"max_concurrent_jobs", r.cfg.MaxConcurrentJobs,
	)

	c := cron.New()
	c.Schedule(cron.Every(r.cfg.Interval), cron.FuncJob(func() {
		r.tick(ctx)
	}))
	c.Start()

	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	r.wg.Wait()

	r.logger.Info("scheduler runner stopped", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// tick claims a batch of runnable jobs and starts a dispatch worker per job.
func (r *Runner) tick(ctx context.Context) {
	start := time.Now()

	jobs, err := r.lifecycle.ClaimNextRunnable(ctx, r.cfg.ClaimLimit)
	if errors.Is(err, model.ErrNoJobsRunnable) {
		r.emitTickMetrics(0, time.Since(start), nil)
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "claim runnable jobs failed", "err", err)
		}
		r.emitTickMetrics(0, time.Since(start), err)
		return
	}

	for _, job := range jobs {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		r.wg.Add(1)
		go func(job *model.Job) {
			defer r.wg.Done()
			defer func() { <-r.slots }()
			r.dispatch(ctx, job)
		}(job)
	}

	r.emitTickMetrics(len(jobs), time.Since(start), nil)
}

func (r *Runner) dispatch(ctx context.Context, job *model.Job) {
	if err := r.dispatcher.RunCycle(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.ErrorContext(ctx, "dispatch cycle error",
			"job_id", job.ID, "kind", job.Kind, "err", err)
	}
}

func (r *Runner) emitTickMetrics(claimed int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil && !errors.Is(err, context.Canceled) {
		result = metrics.ResultError
	} else if claimed == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if result == metrics.ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)
	if claimed > 0 {
		r.metrics.Count("scheduler.jobs_claimed", int64(claimed), tags)
	}
	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}
}
