package storage

import (
	"context"
	"time"

	"github.com/t77yq/rulewatch/internal/model"
)

// RuleStore persists rules
type RuleStore interface {
	// CreateRule stores a new rule, assigning an ID when empty
	CreateRule(ctx context.Context, rule *model.Rule) error

	// UpdateRule replaces the mutable fields of an existing rule
	UpdateRule(ctx context.Context, rule *model.Rule) error

	// GetRule returns a rule by ID or ErrRuleNotFound
	GetRule(ctx context.Context, id string) (*model.Rule, error)

	// DeleteRule removes a rule
	DeleteRule(ctx context.Context, id string) error

	// ListRules returns every rule
	ListRules(ctx context.Context) ([]*model.Rule, error)

	// ListActiveRules returns rules with status active
	ListActiveRules(ctx context.Context) ([]*model.Rule, error)

	// UpdateRuleNextExecution persists the next computed fire instant
	UpdateRuleNextExecution(ctx context.Context, id string, next time.Time) error

	// ScheduleFingerprint digests the id, status and cron expression of every
	// rule. Scheduler bookkeeping writes leave it unchanged.
	ScheduleFingerprint(ctx context.Context) (string, error)
}

// ExecutionRecordStore persists execution records
type ExecutionRecordStore interface {
	// CreateExecutionRecord stores a new record, assigning an ID when empty
	CreateExecutionRecord(ctx context.Context, record *model.ExecutionRecord) error

	// UpdateExecutionRecord writes status and outcome fields. Status changes
	// must satisfy model.CanTransition and terminal records are immutable.
	UpdateExecutionRecord(ctx context.Context, record *model.ExecutionRecord) error

	// CompleteExecution marks a running record completed and bumps the owning
	// rule's execution count and last execution time in one transaction.
	CompleteExecution(ctx context.Context, record *model.ExecutionRecord, executedAt time.Time) error

	// GetExecutionRecord returns a record by ID or ErrExecutionNotFound
	GetExecutionRecord(ctx context.Context, id string) (*model.ExecutionRecord, error)

	// ListExecutions returns records matching the filter, newest first
	ListExecutions(ctx context.Context, filter model.ExecutionFilter) ([]*model.ExecutionRecord, error)

	// GetMostRecentSuccessfulExecution returns the newest completed record of
	// the rule other than excludeID, or nil when there is none
	GetMostRecentSuccessfulExecution(ctx context.Context, ruleID, excludeID string) (*model.ExecutionRecord, error)

	// GetPreviousSuccessfulExecution returns the newest completed record of
	// the same rule created before the given one, or nil when there is none.
	// Records created at the same instant are ordered by insertion.
	GetPreviousSuccessfulExecution(ctx context.Context, executionID string) (*model.ExecutionRecord, error)

	// GetUnreadCountByRule returns the number of unread completed records per rule
	GetUnreadCountByRule(ctx context.Context) (map[string]int, error)

	// MarkRead flags a record as read
	MarkRead(ctx context.Context, id string) error

	// MarkUnread flags a record as unread
	MarkUnread(ctx context.Context, id string) error

	// DeleteExecutionsBefore removes records created before the cutoff
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// ExecutionStore is the full persistence contract of rules and their executions
type ExecutionStore interface {
	RuleStore
	ExecutionRecordStore
}
