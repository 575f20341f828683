package model

import "time"

// ExecutionCompletedEvent is broadcast after a rule execution finishes
type ExecutionCompletedEvent struct {
	RuleID      string    `json:"rule_id"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// RuleChangedEvent announces that rules were created, updated or deleted by
// another process
type RuleChangedEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
