// Package rules is the application service around rules and their executions.
// Every rule mutation re-arms the scheduler.
package rules

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/diff"
	"github.com/t77yq/rulewatch/internal/executor"
	"github.com/t77yq/rulewatch/internal/fetch"
	"github.com/t77yq/rulewatch/internal/model"
	"github.com/t77yq/rulewatch/internal/scheduler"
	"github.com/t77yq/rulewatch/internal/storage"
)

// Scheduler is the part of the cron scheduler the service drives
type Scheduler interface {
	ReinitializeCrons(ctx context.Context) error
	Cancel(ruleID string)
}

// Executor runs executions on demand
type Executor interface {
	ExecuteRule(ctx context.Context, ruleID string, executionType model.ExecutionType, trigger *model.TriggerInfo) (*executor.Outcome, error)
	Cancel(executionID string) bool
	DiffWithPrevious(ctx context.Context, executionID string) (diff.Changes, error)
}

// Notifier is told when read state changes
type Notifier interface {
	Refresh(ctx context.Context) error
}

// Service manages rules and their executions
type Service struct {
	logger    *zap.Logger
	store     storage.ExecutionStore
	scheduler Scheduler
	executor  Executor
	notifier  Notifier
	now       func() time.Time
}

// NewService creates a rule service. notifier may be nil.
func NewService(store storage.ExecutionStore, scheduler Scheduler, executor Executor, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		logger:    logger.Named("rules"),
		store:     store,
		scheduler: scheduler,
		executor:  executor,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Validate checks the user supplied fields of a rule
func Validate(rule *model.Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !rule.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRule, rule.Status)
	}
	if err := scheduler.ValidateExpression(rule.CronExpression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	u, err := url.Parse(rule.Task.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: task url %q must be an absolute http(s) url", ErrInvalidRule, rule.Task.URL)
	}
	for name, ext := range rule.Task.Collections {
		if ext.Selector == "" {
			return fmt.Errorf("%w: collection %q has no selector", ErrInvalidRule, name)
		}
		if err := fetch.ValidateExtraction(ext); err != nil {
			return fmt.Errorf("%w: collection %q: %v", ErrInvalidRule, name, err)
		}
	}
	return nil
}

// CreateRule validates and stores a new rule. A rule without status is active.
func (s *Service) CreateRule(ctx context.Context, rule *model.Rule) error {
	if rule.Status == "" {
		rule.Status = model.RuleStatusActive
	}
	if err := Validate(rule); err != nil {
		return err
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.Info("Rule created",
		zap.String("rule_id", rule.ID),
		zap.String("name", rule.Name),
		zap.String("expression", rule.CronExpression))
	s.reinitialize(ctx)
	return nil
}

// UpdateRule replaces the user supplied fields of a rule. Execution
// bookkeeping of the stored rule is preserved.
func (s *Service) UpdateRule(ctx context.Context, rule *model.Rule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	existing, err := s.store.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.NextExecutionAt = existing.NextExecutionAt
	rule.ExecutionCount = existing.ExecutionCount
	rule.CreatedAt = existing.CreatedAt

	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	s.logger.Info("Rule updated", zap.String("rule_id", rule.ID))
	s.reinitialize(ctx)
	return nil
}

// SetStatus activates, deactivates or pauses a rule
func (s *Service) SetStatus(ctx context.Context, ruleID string, status model.RuleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRule, status)
	}
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.Status == status {
		return nil
	}
	rule.Status = status
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule status: %w", err)
	}

	s.logger.Info("Rule status changed",
		zap.String("rule_id", ruleID),
		zap.String("status", string(status)))
	s.reinitialize(ctx)
	return nil
}

// DeleteRule removes a rule and its pending timer
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	s.scheduler.Cancel(ruleID)
	if err := s.store.DeleteRule(ctx, ruleID); err != nil {
		return err
	}

	s.logger.Info("Rule deleted", zap.String("rule_id", ruleID))
	s.reinitialize(ctx)
	return nil
}

// GetRule returns a rule
func (s *Service) GetRule(ctx context.Context, ruleID string) (*model.Rule, error) {
	return s.store.GetRule(ctx, ruleID)
}

// ListRules returns all rules
func (s *Service) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return s.store.ListRules(ctx)
}

func (s *Service) reinitialize(ctx context.Context) {
	if err := s.scheduler.ReinitializeCrons(ctx); err != nil {
		s.logger.Warn("Failed to reinitialize cron jobs", zap.Error(err))
	}
}

// RunNow executes a rule immediately on behalf of a user
func (s *Service) RunNow(ctx context.Context, ruleID string) (*executor.Outcome, error) {
	return s.executor.ExecuteRule(ctx, ruleID, model.ExecutionTypeManual, nil)
}

// Trigger executes a rule on behalf of an external source such as a webhook
func (s *Service) Trigger(ctx context.Context, ruleID, source string, details map[string]string) (*executor.Outcome, error) {
	return s.executor.ExecuteRule(ctx, ruleID, model.ExecutionTypeTriggered, &model.TriggerInfo{
		Source:  source,
		Details: details,
	})
}

// CancelExecution moves a pending or running execution to cancelled and
// aborts its fetch when it runs in this process
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	record, err := s.store.GetExecutionRecord(ctx, executionID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionFinished, executionID, record.Status)
	}

	endTime := s.now()
	record.Status = model.ExecutionStatusCancelled
	record.EndTime = &endTime
	if record.StartTime != nil {
		record.Duration = endTime.Sub(*record.StartTime)
	}
	record.Error = "cancelled by request"
	if err := s.store.UpdateExecutionRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}

	aborted := s.executor.Cancel(executionID)
	s.logger.Info("Execution cancelled",
		zap.String("execution_id", executionID),
		zap.String("rule_id", record.RuleID),
		zap.Bool("aborted_fetch", aborted))
	return nil
}

// GetExecution returns an execution record
func (s *Service) GetExecution(ctx context.Context, executionID string) (*model.ExecutionRecord, error) {
	return s.store.GetExecutionRecord(ctx, executionID)
}

// ListExecutions returns execution records matching the filter
func (s *Service) ListExecutions(ctx context.Context, filter model.ExecutionFilter) ([]*model.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, filter)
}

// DiffExecution compares an execution with the one that preceded it
func (s *Service) DiffExecution(ctx context.Context, executionID string) (diff.Changes, error) {
	return s.executor.DiffWithPrevious(ctx, executionID)
}

// MarkRead acknowledges an execution
func (s *Service) MarkRead(ctx context.Context, executionID string) error {
	if err := s.store.MarkRead(ctx, executionID); err != nil {
		return err
	}
	s.refresh(ctx)
	return nil
}

// MarkUnread flags an execution as unread again
func (s *Service) MarkUnread(ctx context.Context, executionID string) error {
	if err := s.store.MarkUnread(ctx, executionID); err != nil {
		return err
	}
	s.refresh(ctx)
	return nil
}

// UnreadCounts returns unread completed execution counts per rule
func (s *Service) UnreadCounts(ctx context.Context) (map[string]int, error) {
	return s.store.GetUnreadCountByRule(ctx)
}

// CleanupHistory deletes execution records older than retention
func (s *Service) CleanupHistory(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := s.store.DeleteExecutionsBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up execution history: %w", err)
	}
	if deleted > 0 {
		s.refresh(ctx)
	}
	return deleted, nil
}

func (s *Service) refresh(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Refresh(ctx); err != nil {
		s.logger.Warn("Failed to refresh notifications", zap.Error(err))
	}
}
