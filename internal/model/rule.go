package model

import "time"

// RuleStatus represents the lifecycle status of a rule
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "active"
	RuleStatusInactive RuleStatus = "inactive"
	RuleStatusPaused   RuleStatus = "paused"
)

// Valid reports whether s is a known rule status
func (s RuleStatus) Valid() bool {
	switch s {
	case RuleStatusActive, RuleStatusInactive, RuleStatusPaused:
		return true
	}
	return false
}

// Extraction describes how one named collection is pulled out of a page
type Extraction struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	Type      string `json:"type,omitempty"`
}

// TaskConfig is the visit configuration of a rule. The scheduler never looks inside it.
type TaskConfig struct {
	URL         string                `json:"url"`
	Method      string                `json:"method,omitempty"`
	Headers     map[string]string     `json:"headers,omitempty"`
	Collections map[string]Extraction `json:"collections"`
	Timeout     time.Duration         `json:"timeout,omitempty"`
}

// Rule is a persisted intent to periodically visit a URL and extract data
type Rule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CronExpression  string     `json:"cron_expression"`
	Status          RuleStatus `json:"status"`
	Task            TaskConfig `json:"task"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	Priority        int        `json:"priority,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsActive reports whether the rule should be scheduled
func (r *Rule) IsActive() bool {
	return r != nil && r.Status == RuleStatusActive
}
