package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/membermail/membermail/config"
	"github.com/membermail/membermail/internal/adapters/reaper"
	"github.com/membermail/membermail/internal/adapters/resend"
	"github.com/membermail/membermail/internal/adapters/scheduler"
	"github.com/membermail/membermail/internal/adapters/whop"
	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/data"
	"github.com/membermail/membermail/internal/devseed"
	"github.com/membermail/membermail/internal/domain/model"
	"github.com/membermail/membermail/internal/observability/notify/pagerduty"
	"github.com/membermail/membermail/internal/observability/notify/slack"
	"github.com/membermail/membermail/internal/observability/statsd"
	"github.com/membermail/membermail/internal/service"
	"github.com/membermail/membermail/internal/service/failurenotifier"
)

// App holds every wired dependency for the enabled service modes.
type App struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	db      *sql.DB
	redis   redis.UniversalClient
	metrics *statsd.Client

	lifecycle  *service.LifecycleService
	dispatcher *service.Dispatcher
	reporter   *service.StatusReporter
	aggregator *service.ResultAggregator

	schedulerRunner *scheduler.Runner
	reaperRunner    *reaper.Runner
}

// NewApp connects storage and wires the services the configured modes need.
func NewApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if err := ValidateServiceConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{cfg: cfg, logger: logger}

	db, err := ConnectDB(DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.db = db

	if cfg.Postgres.RunMigrationsOnStart {
		if err := RunMigrations(ctx, db, logger); err != nil {
			app.Close()
			return nil, err
		}
	}

	redisClient, err := ConnectRedis(DatabaseConfig{RedisConfig: cfg.Redis, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.redis = redisClient

	if err := app.wireServices(); err != nil {
		app.Close()
		return nil, err
	}

	if cfg.IsDev {
		if err := devseed.Run(ctx, devseed.Options{Lifecycle: app.lifecycle, Logger: logger}); err != nil {
			logger.Warn("dev seeding failed", "err", err)
		}
	}
	return app, nil
}

func (a *App) wireServices() error {
	cfg := a.cfg

	if cfg.Observability.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Observability.Metrics.StatsdAddress,
			Prefix:  cfg.Observability.Metrics.StatsdPrefix,
			Logger:  a.logger,
		})
		if err != nil {
			a.logger.Warn("statsd client unavailable, metrics disabled", "err", err)
		} else {
			a.metrics = client
		}
	}
	var sink statsd.Sink
	if a.metrics != nil {
		sink = a.metrics
	}

	jobRepo := data.NewJobRepo(a.db, data.RepoConfig{Logger: a.logger})
	outcomeRepo := data.NewOutcomeRepo(a.db, data.RepoConfig{Logger: a.logger})
	cache := data.NewSnapshotCache(a.redis, cfg.Redis.SnapshotTTL, a.logger)

	lifecycle, err := service.NewLifecycleService(service.LifecycleOptions{
		Repo:         jobRepo,
		Outcomes:     outcomeRepo,
		DefaultLease: cfg.Dispatcher.JobLease,
		Cache:        cache,
		Logger:       a.logger,
		Metrics:      sink,
	})
	if err != nil {
		return fmt.Errorf("wire lifecycle service: %w", err)
	}
	a.lifecycle = lifecycle

	reporter, err := service.NewStatusReporter(service.ReporterOptions{
		Repo:   jobRepo,
		Cache:  cache,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("wire status reporter: %w", err)
	}
	a.reporter = reporter

	aggregator, err := service.NewResultAggregator(service.AggregatorOptions{
		Repo:     jobRepo,
		Outcomes: outcomeRepo,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("wire result aggregator: %w", err)
	}
	a.aggregator = aggregator

	if cfg.IsSchedulerEnabled() {
		senders, err := buildSenders(cfg, a.logger)
		if err != nil {
			return err
		}

		var notifier service.FailureNotifier
		if svc, err := buildFailureNotifier(cfg, a.logger); err != nil {
			return err
		} else if svc != nil {
			notifier = svc
		}

		dispatcher, err := service.NewDispatcher(service.DispatcherOptions{
			Repo:            jobRepo,
			Outcomes:        outcomeRepo,
			Senders:         senders,
			Cache:           cache,
			Logger:          a.logger,
			Metrics:         sink,
			Notifier:        notifier,
			BatchSize:       cfg.Dispatcher.BatchSize,
			SendsPerSecond:  cfg.Dispatcher.SendsPerSecond,
			SendConcurrency: cfg.Dispatcher.SendConcurrency,
			RetryBudget:     cfg.Dispatcher.RetryBudget,
			RetryBackoff:    cfg.Dispatcher.RetryBackoff,
			LeaseExtension:  cfg.Dispatcher.JobLease,
		})
		if err != nil {
			return fmt.Errorf("wire dispatcher: %w", err)
		}
		a.dispatcher = dispatcher

		runner, err := scheduler.NewRunner(scheduler.RunnerOptions{
			Lifecycle:  lifecycle,
			Dispatcher: dispatcher,
			Config:     cfg.Scheduler,
			Logger:     a.logger,
			Metrics:    sink,
		})
		if err != nil {
			return fmt.Errorf("wire scheduler runner: %w", err)
		}
		a.schedulerRunner = runner
	}

	if cfg.IsReaperEnabled() {
		runner, err := reaper.NewRunner(reaper.RunnerOptions{
			DB:      a.db,
			Config:  cfg.Reaper,
			Logger:  a.logger,
			Metrics: sink,
		})
		if err != nil {
			return fmt.Errorf("wire reaper runner: %w", err)
		}
		a.reaperRunner = runner
	}

	return nil
}

// buildFailureNotifier wires the configured notification sinks. Returns nil
// when no sink is configured.
func buildFailureNotifier(cfg *config.AppConfig, logger *slog.Logger) (*failurenotifier.Service, error) {
	nc := cfg.Observability.Notify
	if !nc.HasSinks() {
		return nil, nil
	}

	var sinks []failurenotifier.SinkRegistration

	if nc.SlackWebhookURL != "" {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   nc.SlackWebhookURL,
			Channel:      nc.SlackChannel,
			Username:     nc.SlackUsername,
			Timeout:      nc.Timeout,
			RetryLimit:   nc.RetryLimit,
			JobURLPrefix: nc.JobURLPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("wire slack sink: %w", err)
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
	}

	if nc.PagerDutyRoutingKey != "" {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: nc.PagerDutyRoutingKey,
			Timeout:    nc.Timeout,
			RetryLimit: nc.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("wire pagerduty sink: %w", err)
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
	}

	logger.Info("failure notifications enabled", "sinks", len(sinks))
	return failurenotifier.NewService(failurenotifier.Options{
		Logger: logger,
		Sinks:  sinks,
	}), nil
}

// buildSenders constructs one external sender per configured job kind.
func buildSenders(cfg *config.AppConfig, logger *slog.Logger) (map[model.JobKind]core.ExternalSender, error) {
	senders := make(map[model.JobKind]core.ExternalSender)

	if cfg.Whop.APIKey != "" {
		sender, err := whop.NewSender(whop.SenderOptions{Config: cfg.Whop})
		if err != nil {
			return nil, fmt.Errorf("wire whop sender: %w", err)
		}
		senders[model.JobKindBroadcastMessage] = sender
	}

	if cfg.Resend.APIKey != "" {
		if cfg.Resend.FromAddress != "" {
			sender, err := resend.NewSender(resend.SenderOptions{Config: cfg.Resend})
			if err != nil {
				return nil, fmt.Errorf("wire resend sender: %w", err)
			}
			senders[model.JobKindEmailSend] = sender
		} else {
			logger.Warn("RESEND_FROM_ADDRESS not set, email-send jobs disabled")
		}

		contacts, err := resend.NewContactSender(resend.SenderOptions{Config: cfg.Resend})
		if err != nil {
			return nil, fmt.Errorf("wire resend contact sender: %w", err)
		}
		senders[model.JobKindBatchSync] = contacts
	}

	if len(senders) == 0 {
		return nil, errors.New("scheduler enabled but no delivery provider configured, set WHOP_API_KEY or RESEND_API_KEY")
	}
	return senders, nil
}

// Run starts every enabled service and blocks until a signal arrives or one
// service fails. Remaining services are shut down gracefully either way.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.IsHTTPServerEnabled() {
		server := StartHTTPServer(&HTTPServerConfig{
			Config:     a.cfg,
			Lifecycle:  a.lifecycle,
			Reporter:   a.reporter,
			Aggregator: a.aggregator,
			Logger:     a.logger,
		})
		g.Go(func() error {
			<-ctx.Done()
			return ShutdownHTTPServer(ShutdownConfig{
				Server:  server,
				Timeout: a.cfg.HTTP.ShutdownTimeout,
				Logger:  a.logger,
			})
		})
	}

	if a.schedulerRunner != nil {
		g.Go(func() error {
			return a.schedulerRunner.Run(ctx)
		})
	}

	if a.reaperRunner != nil {
		g.Go(func() error {
			return a.reaperRunner.Run(ctx)
		})
	}

	a.logger.Info("membermail started", "services", GetEnabledServices(a.cfg))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases storage connections and flushes the metrics client.
func (a *App) Close() {
	if a.metrics != nil {
		if err := a.metrics.Close(); err != nil {
			a.logger.Warn("close statsd client", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis client", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}
