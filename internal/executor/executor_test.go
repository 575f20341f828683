package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rulewatch/internal/fetch"
	"github.com/t77yq/rulewatch/internal/model"
	"github.com/t77yq/rulewatch/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ExecutionCompletedEvent
}

func (p *recordingPublisher) Publish(event model.ExecutionCompletedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// pageFetcher serves the configured titles as the "titles" collection
type pageFetcher struct {
	mu     sync.Mutex
	titles []string
}

func (f *pageFetcher) set(titles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = titles
}

func (f *pageFetcher) Execute(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]model.CollectionItem, 0, len(f.titles))
	for _, title := range f.titles {
		items = append(items, model.CollectionItem{Value: title, Type: "text", Selector: "h2"})
	}
	return &model.FetchResult{
		Matched:     len(items) > 0,
		MatchCount:  len(items),
		Collections: map[string][]model.CollectionItem{"titles": items},
	}, nil
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createRule(t *testing.T, store storage.ExecutionStore) *model.Rule {
	t.Helper()
	rule := &model.Rule{
		Name:           "news",
		CronExpression: "0 * * * *",
		Status:         model.RuleStatusActive,
		Task: model.TaskConfig{
			URL:         "https://example.com/news",
			Collections: map[string]model.Extraction{"titles": {Selector: "h2"}},
		},
	}
	require.NoError(t, store.CreateRule(context.Background(), rule))
	return rule
}

func runOnce(t *testing.T, e *RuleExecutor, ruleID string) (*Outcome, *model.ExecutionRecord) {
	t.Helper()
	outcome, err := e.ExecuteRule(context.Background(), ruleID, model.ExecutionTypeManual, nil)
	require.NoError(t, err)
	record, err := e.store.GetExecutionRecord(context.Background(), outcome.ExecutionID)
	require.NoError(t, err)
	return outcome, record
}

func TestExecuteRule_Completes(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	fetcher := &pageFetcher{}
	fetcher.set("first", "second")
	events := &recordingPublisher{}
	e := NewRuleExecutor(store, fetcher, events, nil, Config{AutoRead: true}, zaptest.NewLogger(t))

	outcome, record := runOnce(t, e, rule.ID)

	assert.True(t, outcome.Success)
	assert.Equal(t, model.ExecutionStatusCompleted, outcome.Status)
	assert.Equal(t, model.ExecutionStatusCompleted, record.Status)
	assert.Equal(t, model.ExecutionTypeManual, record.ExecutionType)
	assert.Equal(t, rule.Name, record.RuleName)
	require.NotNil(t, record.StartTime)
	require.NotNil(t, record.EndTime)
	assert.False(t, record.EndTime.Before(*record.StartTime))
	assert.GreaterOrEqual(t, record.Duration, time.Duration(0))
	assert.True(t, record.Matched)
	require.NotNil(t, record.MatchCount)
	assert.Equal(t, 2, *record.MatchCount)
	require.NotNil(t, record.Result)
	assert.Len(t, record.Result.Collections["titles"], 2)

	// the first execution has nothing to compare with, so everything is new
	assert.False(t, record.IsRead)
	assert.False(t, outcome.AutoRead)
	assert.Equal(t, 2, outcome.Changes.Count(model.ChangeAdded))

	updated, err := store.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ExecutionCount)
	require.NotNil(t, updated.LastExecutedAt)
	assert.True(t, record.StartTime.Equal(*updated.LastExecutedAt))

	require.Equal(t, 1, events.count())
	assert.Equal(t, rule.ID, events.events[0].RuleID)
	assert.Equal(t, record.ID, events.events[0].ExecutionID)
	assert.Empty(t, e.Running())
}

func TestExecuteRule_AutoReadGating(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	fetcher := &pageFetcher{}
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{AutoRead: true}, zaptest.NewLogger(t))

	fetcher.set("a", "b", "c")
	_, first := runOnce(t, e, rule.ID)
	assert.False(t, first.IsRead)

	t.Run("same items are read", func(t *testing.T) {
		outcome, record := runOnce(t, e, rule.ID)
		assert.True(t, outcome.AutoRead)
		assert.True(t, record.IsRead)
		assert.True(t, outcome.Changes.AllUnchanged())
	})

	t.Run("reordered items are read", func(t *testing.T) {
		fetcher.set("c", "a", "b")
		outcome, record := runOnce(t, e, rule.ID)
		assert.True(t, record.IsRead)
		assert.False(t, outcome.Changes.AllUnchanged())
	})

	t.Run("removed items are read", func(t *testing.T) {
		fetcher.set("c", "a")
		_, record := runOnce(t, e, rule.ID)
		assert.True(t, record.IsRead)
	})

	t.Run("new item stays unread", func(t *testing.T) {
		fetcher.set("d", "c", "a")
		outcome, record := runOnce(t, e, rule.ID)
		assert.False(t, outcome.AutoRead)
		assert.False(t, record.IsRead)
		assert.Equal(t, 1, outcome.Changes.Count(model.ChangeAdded))
	})

	counts, err := store.GetUnreadCountByRule(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[rule.ID])
}

func TestExecuteRule_AutoReadDisabled(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	fetcher := &pageFetcher{}
	fetcher.set("a")
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{AutoRead: false}, zaptest.NewLogger(t))

	runOnce(t, e, rule.ID)
	outcome, record := runOnce(t, e, rule.ID)

	assert.False(t, record.IsRead)
	assert.Nil(t, outcome.Changes)
}

func TestExecuteRule_Failures(t *testing.T) {
	tests := []struct {
		name    string
		fetcher fetch.FetcherFunc
		wantErr string
	}{
		{
			name: "empty result",
			fetcher: func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
				return nil, nil
			},
			wantErr: "empty result",
		},
		{
			name: "fetch error",
			fetcher: func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
				return nil, errors.New("connection refused")
			},
			wantErr: "connection refused",
		},
		{
			name: "fetch panic",
			fetcher: func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
				panic("selector engine crashed")
			},
			wantErr: "selector engine crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			rule := createRule(t, store)
			events := &recordingPublisher{}
			e := NewRuleExecutor(store, tt.fetcher, events, nil, Config{AutoRead: true}, zaptest.NewLogger(t))

			outcome, record := runOnce(t, e, rule.ID)

			assert.False(t, outcome.Success)
			assert.Equal(t, model.ExecutionStatusFailed, outcome.Status)
			assert.Contains(t, outcome.Error, tt.wantErr)
			assert.Equal(t, model.ExecutionStatusFailed, record.Status)
			assert.Contains(t, record.Error, tt.wantErr)
			require.NotNil(t, record.EndTime)
			assert.Zero(t, events.count())

			updated, err := store.GetRule(context.Background(), rule.ID)
			require.NoError(t, err)
			assert.Zero(t, updated.ExecutionCount)
			assert.Nil(t, updated.LastExecutedAt)
		})
	}
}

func TestExecuteRule_EveryRecordEndsTerminal(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)

	calls := 0
	fetcher := fetch.FetcherFunc(func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
		calls++
		switch calls % 3 {
		case 0:
			return nil, errors.New("timeout")
		case 1:
			return &model.FetchResult{Collections: map[string][]model.CollectionItem{}}, nil
		default:
			return nil, nil
		}
	})
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{AutoRead: true}, zaptest.NewLogger(t))

	for i := 0; i < 9; i++ {
		_, err := e.ExecuteRule(context.Background(), rule.ID, model.ExecutionTypeScheduled, nil)
		require.NoError(t, err)
	}

	records, err := store.ListExecutions(context.Background(), model.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, records, 9)
	for _, record := range records {
		assert.Contains(t, []model.ExecutionStatus{model.ExecutionStatusCompleted, model.ExecutionStatusFailed}, record.Status)
	}
}

func TestExecuteRule_MissingRule(t *testing.T) {
	store := newStore(t)
	e := NewRuleExecutor(store, &pageFetcher{}, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := e.ExecuteRule(context.Background(), "missing", model.ExecutionTypeManual, nil)
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)

	records, err := store.ListExecutions(context.Background(), model.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

type failingCreateStore struct {
	*storage.SQLiteStore
}

func (s failingCreateStore) CreateExecutionRecord(ctx context.Context, record *model.ExecutionRecord) error {
	return errors.New("disk full")
}

func TestExecuteRule_RecordCreationFailure(t *testing.T) {
	sqlite := newStore(t)
	rule := createRule(t, sqlite)
	e := NewRuleExecutor(failingCreateStore{sqlite}, &pageFetcher{}, nil, nil, Config{}, zaptest.NewLogger(t))

	outcome, err := e.ExecuteRule(context.Background(), rule.ID, model.ExecutionTypeManual, nil)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Contains(t, err.Error(), "disk full")

	records, err := sqlite.ListExecutions(context.Background(), model.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecuteRule_TriggerInfoIsStored(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	fetcher := &pageFetcher{}
	fetcher.set("a")
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{}, zaptest.NewLogger(t))

	expected := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	outcome, err := e.ExecuteRule(context.Background(), rule.ID, model.ExecutionTypeScheduled, &model.TriggerInfo{
		Source:       "cron",
		Compensation: true,
		ExpectedAt:   &expected,
		Drift:        time.Minute,
	})
	require.NoError(t, err)

	record, err := store.GetExecutionRecord(context.Background(), outcome.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionTypeScheduled, record.ExecutionType)
	require.NotNil(t, record.TriggerInfo)
	assert.True(t, record.TriggerInfo.Compensation)
	assert.Equal(t, time.Minute, record.TriggerInfo.Drift)
}

func TestExecuteRule_FetchTimeout(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	fetcher := fetch.FetcherFunc(func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{FetchTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))

	outcome, record := runOnce(t, e, rule.ID)
	assert.False(t, outcome.Success)
	assert.Equal(t, model.ExecutionStatusFailed, record.Status)
	assert.Contains(t, record.Error, context.DeadlineExceeded.Error())
}

func TestExecuteRule_CancelledWhileRunning(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	started := make(chan string, 1)
	fetcher := fetch.FetcherFunc(func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
		started <- task.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{}, zaptest.NewLogger(t))

	done := make(chan *Outcome, 1)
	go func() {
		outcome, err := e.ExecuteRule(context.Background(), rule.ID, model.ExecutionTypeManual, nil)
		assert.NoError(t, err)
		done <- outcome
	}()

	var executionID string
	select {
	case executionID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
	assert.Equal(t, []string{executionID}, e.Running())

	record, err := store.GetExecutionRecord(context.Background(), executionID)
	require.NoError(t, err)
	record.Status = model.ExecutionStatusCancelled
	require.NoError(t, store.UpdateExecutionRecord(context.Background(), record))
	require.True(t, e.Cancel(executionID))

	select {
	case outcome := <-done:
		assert.False(t, outcome.Success)
		assert.Equal(t, model.ExecutionStatusCancelled, outcome.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancel")
	}

	record, err = store.GetExecutionRecord(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, record.Status)
	assert.False(t, e.Cancel(executionID))
}

func TestDiffWithPrevious(t *testing.T) {
	store := newStore(t)
	rule := createRule(t, store)
	fetcher := &pageFetcher{}
	e := NewRuleExecutor(store, fetcher, nil, nil, Config{}, zaptest.NewLogger(t))
	ctx := context.Background()

	fetcher.set("a", "b", "c")
	first, _ := runOnce(t, e, rule.ID)
	fetcher.set("b", "a", "d")
	second, _ := runOnce(t, e, rule.ID)

	changes, err := e.DiffWithPrevious(ctx, second.ExecutionID)
	require.NoError(t, err)
	titles := changes["titles"]
	require.Len(t, titles, 3)
	assert.Equal(t, model.ChangeMoved, titles[0].Change)
	assert.Equal(t, 1, titles[0].PreviousIndex)
	assert.Equal(t, model.ChangeMoved, titles[1].Change)
	assert.Equal(t, 0, titles[1].PreviousIndex)
	assert.Equal(t, model.ChangeAdded, titles[2].Change)
	assert.Equal(t, -1, titles[2].PreviousIndex)

	// the oldest execution is compared with nothing, even though a newer one exists
	changes, err = e.DiffWithPrevious(ctx, first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 3, changes.Count(model.ChangeAdded))

	fetcher.set("b", "d")
	third, _ := runOnce(t, e, rule.ID)
	changes, err = e.DiffWithPrevious(ctx, third.ExecutionID)
	require.NoError(t, err)
	// compared with the second run, not the first
	assert.Zero(t, changes.Count(model.ChangeAdded))
	assert.Equal(t, 1, changes.Count(model.ChangeUnchanged))
	assert.Equal(t, 1, changes.Count(model.ChangeMoved))

	failing := NewRuleExecutor(store, fetch.FetcherFunc(func(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
		return nil, nil
	}), nil, nil, Config{}, zaptest.NewLogger(t))
	failed, _ := runOnce(t, failing, rule.ID)
	_, err = e.DiffWithPrevious(ctx, failed.ExecutionID)
	assert.ErrorIs(t, err, ErrNotCompleted)

	_, err = e.DiffWithPrevious(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrExecutionNotFound)
}
