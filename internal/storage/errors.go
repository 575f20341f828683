package storage

import "errors"

var (
	// ErrRuleNotFound is returned when a rule does not exist
	ErrRuleNotFound = errors.New("rule not found")

	// ErrExecutionNotFound is returned when an execution record does not exist
	ErrExecutionNotFound = errors.New("execution record not found")

	// ErrInvalidTransition is returned when an execution status update is not monotonic
	ErrInvalidTransition = errors.New("invalid execution status transition")
)
