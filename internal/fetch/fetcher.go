// Package fetch performs page visits for rule tasks and extracts named item collections.
package fetch

import (
	"context"
	"errors"

	"github.com/t77yq/rulewatch/internal/model"
)

// ErrNoURL is returned when a task has no target URL
var ErrNoURL = errors.New("task has no target url")

// Fetcher visits the task's target and returns the extracted collections.
// A nil result with a nil error means the visit produced nothing.
type Fetcher interface {
	Execute(ctx context.Context, task *model.Task) (*model.FetchResult, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, task *model.Task) (*model.FetchResult, error)

func (f FetcherFunc) Execute(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
	return f(ctx, task)
}
