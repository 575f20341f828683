package scheduler

import "errors"

var (
	// ErrInvalidCronExpression is returned when an expression is not a valid 5-field schedule
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrNoNextExecution is returned when an expression never fires after the base time
	ErrNoNextExecution = errors.New("cron expression has no next execution")
)
