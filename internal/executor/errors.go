package executor

import "errors"

var (
	// ErrEmptyResult is recorded when the fetcher returns no result
	ErrEmptyResult = errors.New("empty result")

	// ErrNotCompleted is returned when diffing an execution that did not complete
	ErrNotCompleted = errors.New("execution is not completed")
)
