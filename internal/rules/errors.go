package rules

import "errors"

var (
	// ErrInvalidRule is returned when a rule fails validation
	ErrInvalidRule = errors.New("invalid rule")

	// ErrExecutionFinished is returned when cancelling an execution that already ended
	ErrExecutionFinished = errors.New("execution already finished")
)
