package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/rulewatch/internal/executor"
	"github.com/t77yq/rulewatch/internal/model"
)

// RuleStore is the part of the rule store the scheduler reads and writes
type RuleStore interface {
	// GetRule returns a rule by ID
	GetRule(ctx context.Context, id string) (*model.Rule, error)

	// ListActiveRules returns rules with status active
	ListActiveRules(ctx context.Context) ([]*model.Rule, error)

	// UpdateRuleNextExecution persists the next computed fire instant
	UpdateRuleNextExecution(ctx context.Context, id string, next time.Time) error
}

// RuleRunner executes a rule once
type RuleRunner interface {
	ExecuteRule(ctx context.Context, ruleID string, executionType model.ExecutionType, trigger *model.TriggerInfo) (*executor.Outcome, error)
}

// Config holds the scheduler timing parameters
type Config struct {
	// DriftThreshold is the lateness above which a fire is a compensation event
	DriftThreshold time.Duration

	// MinDelay is the smallest accepted delay between arming and firing
	MinDelay time.Duration
}

// DefaultConfig returns the default timing parameters
func DefaultConfig() Config {
	return Config{
		DriftThreshold: DefaultDriftThreshold,
		MinDelay:       DefaultMinDelay,
	}
}

// JobInfo describes an armed job
type JobInfo struct {
	RuleID             string        `json:"rule_id"`
	NextExecution      time.Time     `json:"next_execution"`
	TimeBase           time.Time     `json:"time_base"`
	TimeUntilExecution time.Duration `json:"time_until_execution"`
}
