package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/clock"
	"github.com/t77yq/rulewatch/internal/diff"
	"github.com/t77yq/rulewatch/internal/fetch"
	"github.com/t77yq/rulewatch/internal/metrics"
	"github.com/t77yq/rulewatch/internal/model"
	"github.com/t77yq/rulewatch/internal/storage"
)

// EventPublisher receives execution completion events
type EventPublisher interface {
	Publish(event model.ExecutionCompletedEvent)
}

// Config defines configuration for the executor
type Config struct {
	// AutoRead marks executions read when they add no items
	AutoRead bool

	// FetchTimeout bounds each fetch; zero means no limit
	FetchTimeout time.Duration
}

// Outcome is the result of one execution attempt
type Outcome struct {
	Success     bool                  `json:"success"`
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	AutoRead    bool                  `json:"auto_read"`
	Changes     diff.Changes          `json:"changes,omitempty"`
}

// RuleExecutor runs rule executions through their lifecycle
type RuleExecutor struct {
	logger  *zap.Logger
	store   storage.ExecutionStore
	fetcher fetch.Fetcher
	events  EventPublisher
	clock   clock.Clock
	config  Config
	running sync.Map
}

// NewRuleExecutor creates a new executor. events may be nil.
func NewRuleExecutor(store storage.ExecutionStore, fetcher fetch.Fetcher, events EventPublisher, clk clock.Clock, config Config, logger *zap.Logger) *RuleExecutor {
	if clk == nil {
		clk = clock.New()
	}
	return &RuleExecutor{
		logger:  logger.Named("executor"),
		store:   store,
		fetcher: fetcher,
		events:  events,
		clock:   clk,
		config:  config,
	}
}

// ExecuteRule loads the rule and runs one execution of it
func (e *RuleExecutor) ExecuteRule(ctx context.Context, ruleID string, executionType model.ExecutionType, trigger *model.TriggerInfo) (*Outcome, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return e.Execute(ctx, rule, executionType, trigger)
}

// Execute runs one execution of the rule. Once the execution record exists
// it always ends in a terminal state and failures are reported through the
// Outcome; the error return is used only when the record cannot be created.
func (e *RuleExecutor) Execute(ctx context.Context, rule *model.Rule, executionType model.ExecutionType, trigger *model.TriggerInfo) (*Outcome, error) {
	// lifecycle writes must land even if the caller gives up
	writeCtx := context.WithoutCancel(ctx)

	record := &model.ExecutionRecord{
		ID:            uuid.New().String(),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Status:        model.ExecutionStatusPending,
		ExecutionType: executionType,
		TriggerInfo:   trigger,
	}
	if err := e.store.CreateExecutionRecord(writeCtx, record); err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	logger := e.logger.With(
		zap.String("rule_id", rule.ID),
		zap.String("execution_id", record.ID),
		zap.String("execution_type", string(executionType)))

	var fetchCtx context.Context
	var cancel context.CancelFunc
	if e.config.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, e.config.FetchTimeout)
	} else {
		fetchCtx, cancel = context.WithCancel(ctx)
	}
	e.running.Store(record.ID, cancel)
	defer func() {
		e.running.Delete(record.ID)
		cancel()
	}()

	if err := e.safeComplete(fetchCtx, writeCtx, rule, record); err != nil {
		logger.Error("Rule execution failed", zap.Error(err))
		e.markFailed(writeCtx, record, err, logger)
		e.observe(record)
		return &Outcome{
			Success:     false,
			ExecutionID: record.ID,
			Status:      record.Status,
			Error:       record.Error,
		}, nil
	}

	outcome := &Outcome{
		Success:     true,
		ExecutionID: record.ID,
		Status:      record.Status,
	}
	if e.config.AutoRead {
		outcome.Changes, outcome.AutoRead = e.autoRead(writeCtx, record, logger)
	}
	e.observe(record)

	logger.Info("Rule execution completed",
		zap.Bool("matched", record.Matched),
		zap.Intp("match_count", record.MatchCount),
		zap.Duration("duration", record.Duration),
		zap.Bool("auto_read", outcome.AutoRead))

	e.publish(model.ExecutionCompletedEvent{
		RuleID:      rule.ID,
		ExecutionID: record.ID,
		Timestamp:   e.clock.Now(),
	}, logger)

	return outcome, nil
}

func (e *RuleExecutor) safeComplete(fetchCtx, writeCtx context.Context, rule *model.Rule, record *model.ExecutionRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
		}
	}()
	return e.complete(fetchCtx, writeCtx, rule, record)
}

// complete moves the record through running to completed
func (e *RuleExecutor) complete(fetchCtx, writeCtx context.Context, rule *model.Rule, record *model.ExecutionRecord) error {
	startTime := e.clock.Now()
	record.Status = model.ExecutionStatusRunning
	record.StartTime = &startTime
	if err := e.store.UpdateExecutionRecord(writeCtx, record); err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}

	task := &model.Task{
		ID:          record.ID,
		RuleID:      rule.ID,
		URL:         rule.Task.URL,
		Method:      rule.Task.Method,
		Headers:     rule.Task.Headers,
		Collections: rule.Task.Collections,
		Timeout:     rule.Task.Timeout,
	}
	result, err := e.fetcher.Execute(fetchCtx, task)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	if result == nil {
		return ErrEmptyResult
	}

	endTime := e.clock.Now()
	matchCount := result.MatchCount
	record.Status = model.ExecutionStatusCompleted
	record.EndTime = &endTime
	record.Duration = endTime.Sub(startTime)
	record.Result = result.ToResult()
	record.Matched = result.Matched
	record.MatchCount = &matchCount

	if err := e.store.CompleteExecution(writeCtx, record, startTime); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	return nil
}

// markFailed records the failure. A record cancelled in the meantime keeps its status.
func (e *RuleExecutor) markFailed(ctx context.Context, record *model.ExecutionRecord, cause error, logger *zap.Logger) {
	endTime := e.clock.Now()
	record.Status = model.ExecutionStatusFailed
	record.EndTime = &endTime
	if record.StartTime != nil {
		record.Duration = endTime.Sub(*record.StartTime)
	}
	record.Error = cause.Error()

	err := e.store.UpdateExecutionRecord(ctx, record)
	if err == nil {
		return
	}
	if errors.Is(err, storage.ErrInvalidTransition) {
		if current, getErr := e.store.GetExecutionRecord(ctx, record.ID); getErr == nil {
			record.Status = current.Status
			record.Error = current.Error
			logger.Info("Execution already finished", zap.String("status", string(current.Status)))
			return
		}
	}
	logger.Error("Failed to mark execution failed", zap.Error(err))
}

// autoRead diffs the record against the previous successful execution and
// marks it read when nothing was added. Store errors are logged only.
func (e *RuleExecutor) autoRead(ctx context.Context, record *model.ExecutionRecord, logger *zap.Logger) (diff.Changes, bool) {
	previous, err := e.store.GetMostRecentSuccessfulExecution(ctx, record.RuleID, record.ID)
	if err != nil {
		logger.Warn("Failed to load previous execution", zap.Error(err))
		return nil, false
	}

	var previousResult *model.Result
	if previous != nil {
		previousResult = previous.Result
	}
	changes := diff.Compare(record.Result, previousResult)
	if !changes.NoAdditions() {
		logger.Debug("Execution has new items", zap.Int("added", changes.Count(model.ChangeAdded)))
		return changes, false
	}

	if err := e.store.MarkRead(ctx, record.ID); err != nil {
		logger.Warn("Failed to auto-read execution", zap.Error(err))
		return changes, false
	}
	record.IsRead = true
	metrics.AutoRead.Inc()
	return changes, true
}

func (e *RuleExecutor) publish(event model.ExecutionCompletedEvent, logger *zap.Logger) {
	if e.events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Event publisher panicked", zap.Any("panic", r))
		}
	}()
	e.events.Publish(event)
}

func (e *RuleExecutor) observe(record *model.ExecutionRecord) {
	metrics.Executions.WithLabelValues(string(record.ExecutionType), string(record.Status)).Inc()
	if record.Duration > 0 {
		metrics.ExecutionDuration.WithLabelValues(string(record.ExecutionType)).Observe(record.Duration.Seconds())
	}
}

// Cancel aborts the fetch of an in-flight execution. It reports whether the
// execution was running in this process.
func (e *RuleExecutor) Cancel(executionID string) bool {
	value, ok := e.running.Load(executionID)
	if !ok {
		return false
	}
	value.(context.CancelFunc)()
	return true
}

// Running returns the IDs of executions in flight
func (e *RuleExecutor) Running() []string {
	var ids []string
	e.running.Range(func(key, value interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// DiffWithPrevious compares a completed execution with the successful
// execution of the same rule that preceded it
func (e *RuleExecutor) DiffWithPrevious(ctx context.Context, executionID string) (diff.Changes, error) {
	record, err := e.store.GetExecutionRecord(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.Status != model.ExecutionStatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, executionID, record.Status)
	}

	previous, err := e.store.GetPreviousSuccessfulExecution(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous execution: %w", err)
	}

	var previousResult *model.Result
	if previous != nil {
		previousResult = previous.Result
	}
	return diff.Compare(record.Result, previousResult), nil
}
