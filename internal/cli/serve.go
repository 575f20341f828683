package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
	"github.com/t77yq/rulewatch/internal/monitor"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	a, err := loadServingApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.config
	logger := a.logger

	if err := a.notifier.Refresh(ctx); err != nil {
		logger.Warn("Failed to load unread counts", zap.Error(err))
	}
	if err := a.scheduler.StartAllActiveRules(ctx); err != nil {
		return err
	}
	if err := a.watcher.Sync(ctx); err != nil {
		return err
	}
	a.watcher.Start(ctx)
	if a.forwarder != nil {
		err := a.forwarder.SubscribeRuleChanged(ctx, func(model.RuleChangedEvent) {
			a.watcher.Notify()
		})
		if err != nil {
			return err
		}
	}

	if a.js != nil {
		if err := monitor.EnsureStream(a.js, logger); err != nil {
			return err
		}
	}
	collector := monitor.NewCollector(a.scheduler, a.executor, a.js, cfg.Metrics.Interval, logger)
	collector.Start(ctx)
	defer collector.Stop()
	monitor.NewWatchdog(a.store, a.js, cfg.Monitor.StuckAfter, cfg.Monitor.Interval, logger).Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	go cleanupLoop(ctx, a, cfg.History.Retention)

	logger.Info("Scheduler running", zap.Int("jobs", len(a.scheduler.ListJobs())))
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}

	if running := a.executor.Running(); len(running) > 0 {
		logger.Info("Waiting for running executions to complete", zap.Int("count", len(running)))
	}
	return nil
}

func cleanupLoop(ctx context.Context, a *app, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := a.service.CleanupHistory(ctx, retention)
			if err != nil {
				a.logger.Error("Failed to clean up execution history", zap.Error(err))
				continue
			}
			a.logger.Info("Cleaned up execution history", zap.Int64("deleted", deleted))
		}
	}
}
