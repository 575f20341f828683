package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/clock"
	"github.com/t77yq/rulewatch/internal/config"
	"github.com/t77yq/rulewatch/internal/events"
	"github.com/t77yq/rulewatch/internal/executor"
	"github.com/t77yq/rulewatch/internal/fetch"
	"github.com/t77yq/rulewatch/internal/notify"
	"github.com/t77yq/rulewatch/internal/rules"
	"github.com/t77yq/rulewatch/internal/scheduler"
	"github.com/t77yq/rulewatch/internal/storage"
)

// app is the wired set of components shared by the commands
type app struct {
	config    *config.Config
	logger    *zap.Logger
	store     *storage.SQLiteStore
	bus       *events.Bus
	notifier  *notify.Aggregator
	nc        *nats.Conn
	js        nats.JetStreamContext
	forwarder *events.NATSForwarder
	executor  *executor.RuleExecutor
	service   *rules.Service
	closers   []func()

	// set only for serve
	serving   bool
	scheduler *scheduler.CronScheduler
	watcher   *scheduler.RuleWatcher
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level
	return zapConfig.Build()
}

// loadApp reads the configuration and wires the components shared by the
// one-shot commands. NATS is connected only when enabled.
func loadApp(ctx context.Context, opts *RootOptions) (*app, error) {
	return load(ctx, opts, false)
}

// loadServingApp also wires the cron scheduler and the watcher that picks up
// rule changes made by other processes
func loadServingApp(ctx context.Context, opts *RootOptions) (*app, error) {
	return load(ctx, opts, true)
}

func load(ctx context.Context, opts *RootOptions, serving bool) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{config: cfg, logger: logger, serving: serving}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.config

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStore(a.logger, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	fetcher, err := newFetcher(cfg.Fetch, a.logger)
	if err != nil {
		return err
	}

	a.bus = events.NewBus(a.logger)
	a.notifier = notify.NewAggregator(store, a.logger)
	a.bus.Subscribe(a.notifier.HandleEvent)

	if cfg.NATS.Enabled {
		if err := a.connectNATS(ctx); err != nil {
			return err
		}
		a.forwarder = events.NewNATSForwarder(a.js, a.logger)
		if err := a.forwarder.EnsureStream(); err != nil {
			return err
		}
		a.closers = append(a.closers, a.forwarder.Attach(a.bus))
	}

	clk := clock.New()
	a.executor = executor.NewRuleExecutor(store, fetcher, a.bus, clk, executor.Config{
		AutoRead:     cfg.Executor.AutoRead,
		FetchTimeout: cfg.Executor.FetchTimeout,
	}, a.logger)

	if !a.serving {
		a.service = rules.NewService(store, ruleChangeSignal{forwarder: a.forwarder, clock: clk}, a.executor, a.notifier, a.logger)
		return nil
	}

	a.scheduler = scheduler.NewCronScheduler(store, a.executor, clk, scheduler.Config{
		DriftThreshold: cfg.Scheduler.DriftThreshold,
		MinDelay:       cfg.Scheduler.MinDelay,
	}, a.logger)
	a.closers = append(a.closers, a.scheduler.Stop)
	a.watcher = scheduler.NewRuleWatcher(store, a.scheduler, cfg.Scheduler.SyncInterval, a.logger)
	a.service = rules.NewService(store, a.scheduler, a.executor, a.notifier, a.logger)
	return nil
}

func newFetcher(cfg config.FetchConfig, logger *zap.Logger) (fetch.Fetcher, error) {
	switch cfg.Driver {
	case "docker":
		return fetch.NewDockerFetcher(fetch.DockerConfig{
			Image:       cfg.Docker.Image,
			Network:     cfg.Docker.Network,
			MemoryLimit: cfg.Docker.MemoryLimit,
			Timeout:     cfg.Timeout,
		}, logger)
	default:
		return fetch.NewHTTPFetcher(fetch.HTTPConfig{
			UserAgent:  cfg.UserAgent,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}, logger), nil
	}
}

func (a *app) connectNATS(ctx context.Context) error {
	cfg := a.config.NATS
	logger := a.logger.Named("nats")

	opts := []nats.Option{
		nats.Name(a.config.App.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(cfg.URL, opts...)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.RetryNotify(connect, policy, func(err error, wait time.Duration) {
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.nc = nc
	a.closers = append(a.closers, nc.Close)

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	a.js = js

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
