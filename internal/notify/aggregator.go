// Package notify keeps the unread badge counts shown to users.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/metrics"
	"github.com/t77yq/rulewatch/internal/model"
)

// UnreadCounter reads unread completed execution counts per rule
type UnreadCounter interface {
	GetUnreadCountByRule(ctx context.Context) (map[string]int, error)
}

// Badge is a snapshot of unread counts
type Badge struct {
	Total  int            `json:"total"`
	ByRule map[string]int `json:"by_rule"`
}

// Aggregator refreshes unread counts when executions complete or read state changes
type Aggregator struct {
	logger *zap.Logger
	store  UnreadCounter

	mu       sync.RWMutex
	counts   map[string]int
	watchers []func(Badge)
}

// NewAggregator creates an aggregator with empty counts
func NewAggregator(store UnreadCounter, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger: logger.Named("notify"),
		store:  store,
		counts: make(map[string]int),
	}
}

// Refresh reloads the counts from the store and notifies watchers
func (a *Aggregator) Refresh(ctx context.Context) error {
	counts, err := a.store.GetUnreadCountByRule(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unread counts: %w", err)
	}

	a.mu.Lock()
	for ruleID := range a.counts {
		if _, ok := counts[ruleID]; !ok {
			metrics.UnreadExecutions.DeleteLabelValues(ruleID)
		}
	}
	a.counts = counts
	watchers := append([]func(Badge){}, a.watchers...)
	a.mu.Unlock()

	for ruleID, n := range counts {
		metrics.UnreadExecutions.WithLabelValues(ruleID).Set(float64(n))
	}

	badge := a.Badge()
	for _, watch := range watchers {
		watch(badge)
	}

	a.logger.Debug("Unread counts refreshed", zap.Int("total", badge.Total))
	return nil
}

// HandleEvent refreshes counts after an execution completed. Errors are logged.
func (a *Aggregator) HandleEvent(event model.ExecutionCompletedEvent) {
	if err := a.Refresh(context.Background()); err != nil {
		a.logger.Warn("Failed to refresh unread counts",
			zap.String("execution_id", event.ExecutionID),
			zap.Error(err))
	}
}

// Watch registers a function called with every refreshed badge
func (a *Aggregator) Watch(fn func(Badge)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchers = append(a.watchers, fn)
}

// Badge returns the current counts
func (a *Aggregator) Badge() Badge {
	a.mu.RLock()
	defer a.mu.RUnlock()

	badge := Badge{ByRule: make(map[string]int, len(a.counts))}
	for ruleID, n := range a.counts {
		badge.ByRule[ruleID] = n
		badge.Total += n
	}
	return badge
}

// Unread returns the unread count of one rule
func (a *Aggregator) Unread(ruleID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counts[ruleID]
}
