package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FingerprintSource digests the scheduling-relevant columns of every rule
type FingerprintSource interface {
	ScheduleFingerprint(ctx context.Context) (string, error)
}

// Reinitializer rebuilds the armed jobs from the store
type Reinitializer interface {
	ReinitializeCrons(ctx context.Context) error
}

// RuleWatcher reinitializes a scheduler when rules are changed by another
// process. It polls the store fingerprint and can be nudged by Notify.
type RuleWatcher struct {
	logger    *zap.Logger
	source    FingerprintSource
	scheduler Reinitializer
	interval  time.Duration
	kick      chan struct{}

	mu   sync.Mutex
	last string
}

// NewRuleWatcher creates a watcher polling every interval
func NewRuleWatcher(source FingerprintSource, scheduler Reinitializer, interval time.Duration, logger *zap.Logger) *RuleWatcher {
	return &RuleWatcher{
		logger:    logger.Named("watcher"),
		source:    source,
		scheduler: scheduler,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}
}

// Sync records the current fingerprint as already applied
func (w *RuleWatcher) Sync(ctx context.Context) error {
	fingerprint, err := w.source.ScheduleFingerprint(ctx)
	if err != nil {
		return fmt.Errorf("failed to read rule fingerprint: %w", err)
	}
	w.mu.Lock()
	w.last = fingerprint
	w.mu.Unlock()
	return nil
}

// Check reinitializes the scheduler if the rules changed since the last
// successful check and reports whether it did
func (w *RuleWatcher) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fingerprint, err := w.source.ScheduleFingerprint(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read rule fingerprint: %w", err)
	}
	if fingerprint == w.last {
		return false, nil
	}

	w.logger.Info("Rules changed, reinitializing scheduler")
	if err := w.scheduler.ReinitializeCrons(ctx); err != nil {
		return false, fmt.Errorf("failed to reinitialize scheduler: %w", err)
	}
	w.last = fingerprint
	return true, nil
}

// Notify asks the running loop to check now
func (w *RuleWatcher) Notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start runs the polling loop until ctx is done
func (w *RuleWatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.kick:
			}
			if _, err := w.Check(ctx); err != nil {
				w.logger.Warn("Rule change check failed", zap.Error(err))
			}
		}
	}()
}
