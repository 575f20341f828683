package model

import "time"

// Task is the descriptor handed to a fetcher for one visit
type Task struct {
	ID          string                `json:"id"`
	RuleID      string                `json:"rule_id"`
	URL         string                `json:"url"`
	Method      string                `json:"method,omitempty"`
	Headers     map[string]string     `json:"headers,omitempty"`
	Collections map[string]Extraction `json:"collections"`
	Timeout     time.Duration         `json:"timeout,omitempty"`
}

// FetchResult is what a fetcher reports back for a task
type FetchResult struct {
	Matched     bool                        `json:"matched"`
	MatchCount  int                         `json:"match_count"`
	Collections map[string][]CollectionItem `json:"collections"`
	Metadata    map[string]string           `json:"metadata,omitempty"`
}

// ToResult converts the fetch result into a storable payload
func (r *FetchResult) ToResult() *Result {
	return &Result{Collections: r.Collections, Metadata: r.Metadata}
}
