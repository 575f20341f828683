package model

import "time"

// ExecutionStatus represents the lifecycle state of an execution record
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// CanTransition reports whether a record may move from one status to another.
// Transitions are monotonic: pending -> running -> terminal. A pending record
// may also fail or be cancelled before it starts running.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionStatusPending:
		return to == ExecutionStatusRunning || to == ExecutionStatusFailed || to == ExecutionStatusCancelled
	case ExecutionStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// ExecutionType records what caused an execution
type ExecutionType string

const (
	ExecutionTypeManual    ExecutionType = "manual"
	ExecutionTypeScheduled ExecutionType = "scheduled"
	ExecutionTypeTriggered ExecutionType = "triggered"
)

// TriggerInfo carries details about the trigger of an execution
type TriggerInfo struct {
	Source       string            `json:"source,omitempty"`
	Compensation bool              `json:"compensation,omitempty"`
	ExpectedAt   *time.Time        `json:"expected_at,omitempty"`
	Drift        time.Duration     `json:"drift,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Result is the stored payload of a completed execution
type Result struct {
	Collections map[string][]CollectionItem `json:"collections"`
	Metadata    map[string]string           `json:"metadata,omitempty"`
}

// ItemCount returns the number of items across all collections
func (r *Result) ItemCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, items := range r.Collections {
		n += len(items)
	}
	return n
}

// ExecutionRecord is the persisted outcome of one attempt to run a rule
type ExecutionRecord struct {
	ID            string          `json:"id"`
	RuleID        string          `json:"rule_id"`
	RuleName      string          `json:"rule_name"`
	Status        ExecutionStatus `json:"status"`
	StartTime     *time.Time      `json:"start_time,omitempty"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Duration      time.Duration   `json:"duration,omitempty"`
	Result        *Result         `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Matched       bool            `json:"matched"`
	MatchCount    *int            `json:"match_count,omitempty"`
	ExecutionType ExecutionType   `json:"execution_type"`
	TriggerInfo   *TriggerInfo    `json:"trigger_info,omitempty"`
	IsRead        bool            `json:"is_read"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ExecutionFilter narrows execution record queries
type ExecutionFilter struct {
	RuleID string
	Status []ExecutionStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
