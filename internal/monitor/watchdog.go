package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

// ExecutionLister lists execution records
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter model.ExecutionFilter) ([]*model.ExecutionRecord, error)
}

// StuckExecutionAlert reports an execution that has not finished in time
type StuckExecutionAlert struct {
	ExecutionID string                `json:"execution_id"`
	RuleID      string                `json:"rule_id"`
	RuleName    string                `json:"rule_name"`
	Status      model.ExecutionStatus `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	Elapsed     time.Duration         `json:"elapsed"`
	DetectedAt  time.Time             `json:"detected_at"`
}

// Watchdog alerts on executions left pending or running for longer than a threshold.
// Each execution is reported once while it stays unfinished.
type Watchdog struct {
	logger     *zap.Logger
	store      ExecutionLister
	js         nats.JetStreamContext
	stuckAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	alerted    sync.Map
}

// NewWatchdog creates a watchdog. js may be nil.
func NewWatchdog(store ExecutionLister, js nats.JetStreamContext, stuckAfter, interval time.Duration, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		logger:     logger.Named("watchdog"),
		store:      store,
		js:         js,
		stuckAfter: stuckAfter,
		interval:   interval,
		now:        time.Now,
	}
}

// Start runs the evaluation loop until ctx is done
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Evaluate(ctx)
			}
		}
	}()
}

// Evaluate checks for stuck executions and returns the newly detected ones
func (w *Watchdog) Evaluate(ctx context.Context) []StuckExecutionAlert {
	now := w.now()
	cutoff := now.Add(-w.stuckAfter)
	records, err := w.store.ListExecutions(ctx, model.ExecutionFilter{
		Status: []model.ExecutionStatus{model.ExecutionStatusPending, model.ExecutionStatusRunning},
		To:     &cutoff,
	})
	if err != nil {
		w.logger.Error("Failed to list unfinished executions", zap.Error(err))
		return nil
	}

	current := make(map[string]struct{}, len(records))
	for _, record := range records {
		current[record.ID] = struct{}{}
	}
	// forget executions that finished or were removed
	w.alerted.Range(func(key, _ any) bool {
		if _, ok := current[key.(string)]; !ok {
			w.alerted.Delete(key)
		}
		return true
	})

	var alerts []StuckExecutionAlert
	for _, record := range records {
		if _, seen := w.alerted.LoadOrStore(record.ID, struct{}{}); seen {
			continue
		}
		alert := StuckExecutionAlert{
			ExecutionID: record.ID,
			RuleID:      record.RuleID,
			RuleName:    record.RuleName,
			Status:      record.Status,
			CreatedAt:   record.CreatedAt,
			Elapsed:     now.Sub(record.CreatedAt),
			DetectedAt:  now,
		}
		alerts = append(alerts, alert)

		w.logger.Warn("Execution appears stuck",
			zap.String("execution_id", alert.ExecutionID),
			zap.String("rule_id", alert.RuleID),
			zap.String("status", string(alert.Status)),
			zap.Duration("elapsed", alert.Elapsed))
		w.publish(alert)
	}
	return alerts
}

func (w *Watchdog) publish(alert StuckExecutionAlert) {
	if w.js == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		w.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := w.js.Publish(SubjectStuckExecution, data); err != nil {
		w.logger.Error("Failed to publish alert", zap.Error(err))
	}
}
