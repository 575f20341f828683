package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rulewatch/internal/clock"
	"github.com/t77yq/rulewatch/internal/executor"
	"github.com/t77yq/rulewatch/internal/model"
)

var start = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

type memoryStore struct {
	mu    sync.Mutex
	rules map[string]*model.Rule
}

func newMemoryStore(rules ...*model.Rule) *memoryStore {
	s := &memoryStore{rules: make(map[string]*model.Rule)}
	for _, r := range rules {
		s.put(r)
	}
	return s
}

func (s *memoryStore) put(rule *model.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rule
	s.rules[rule.ID] = &copied
}

func (s *memoryStore) update(id string, fn func(*model.Rule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rules[id])
}

func (s *memoryStore) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	copied := *rule
	return &copied, nil
}

func (s *memoryStore) ListActiveRules(ctx context.Context) ([]*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rules []*model.Rule
	for _, rule := range s.rules {
		if rule.IsActive() {
			copied := *rule
			rules = append(rules, &copied)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *memoryStore) UpdateRuleNextExecution(ctx context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	rule.NextExecutionAt = &next
	return nil
}

type runCall struct {
	ruleID  string
	trigger *model.TriggerInfo
}

// fakeRunner records executions and stamps the rule's last execution time
type fakeRunner struct {
	mu    sync.Mutex
	store *memoryStore
	clock clock.Clock
	calls []runCall
	fail  map[string]error
	hook  func(ruleID string)
}

func (r *fakeRunner) ExecuteRule(ctx context.Context, ruleID string, executionType model.ExecutionType, trigger *model.TriggerInfo) (*executor.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{ruleID: ruleID, trigger: trigger})
	err := r.fail[ruleID]
	hook := r.hook
	r.mu.Unlock()

	if executionType != model.ExecutionTypeScheduled {
		return nil, fmt.Errorf("unexpected execution type %s", executionType)
	}
	if hook != nil {
		hook(ruleID)
	}
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	r.store.update(ruleID, func(rule *model.Rule) {
		rule.LastExecutedAt = &now
		rule.ExecutionCount++
	})
	return &executor.Outcome{Success: true, ExecutionID: "exec-" + ruleID}, nil
}

func (r *fakeRunner) callsFor(ruleID string) []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var calls []runCall
	for _, c := range r.calls {
		if c.ruleID == ruleID {
			calls = append(calls, c)
		}
	}
	return calls
}

func (r *fakeRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func activeRule(id, expr string) *model.Rule {
	return &model.Rule{ID: id, Name: id, CronExpression: expr, Status: model.RuleStatusActive}
}

type fixture struct {
	clock     *clock.Fake
	store     *memoryStore
	runner    *fakeRunner
	scheduler *CronScheduler
}

func newFixture(t *testing.T, rules ...*model.Rule) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	store := newMemoryStore(rules...)
	runner := &fakeRunner{store: store, clock: clk, fail: map[string]error{}}
	s := NewCronScheduler(store, runner, clk, DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(s.Stop)
	return &fixture{clock: clk, store: store, runner: runner, scheduler: s}
}

// assertSingleJobPerRule checks the job table against the armed timers
func (f *fixture) assertSingleJobPerRule(t *testing.T) {
	t.Helper()
	jobs := f.scheduler.ListJobs()
	seen := make(map[string]bool)
	for _, j := range jobs {
		assert.False(t, seen[j.RuleID], "duplicate job for %s", j.RuleID)
		seen[j.RuleID] = true
	}
	assert.Equal(t, len(jobs), f.clock.Pending())
}

func TestSchedule_IdempotentForSameTimeBase(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	ctx := context.Background()
	base := start

	assert.True(t, f.scheduler.Schedule(ctx, "r1", &base))
	assert.False(t, f.scheduler.Schedule(ctx, "r1", &base))

	jobs := f.scheduler.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), jobs[0].NextExecution)
	assert.Equal(t, 1, f.clock.Pending())

	rule, err := f.store.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, rule.NextExecutionAt)
	assert.Equal(t, jobs[0].NextExecution, *rule.NextExecutionAt)
}

func TestSchedule_NewTimeBaseReplacesJob(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	ctx := context.Background()

	first := start
	second := start.Add(time.Minute)
	require.True(t, f.scheduler.Schedule(ctx, "r1", &first))
	require.True(t, f.scheduler.Schedule(ctx, "r1", &second))

	job, ok := f.scheduler.GetJob("r1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC), job.NextExecution)
	assert.Equal(t, second, job.TimeBase)
	f.assertSingleJobPerRule(t)
}

func TestSchedule_SingleJobPerRuleAcrossMutations(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"), activeRule("r2", "0 * * * *"))
	ctx := context.Background()
	base := start.Add(-20 * time.Second)

	steps := []func(){
		func() { f.scheduler.Schedule(ctx, "r1", &base) },
		func() { f.scheduler.Schedule(ctx, "r1", nil) },
		func() { f.scheduler.Schedule(ctx, "r2", nil) },
		func() { f.scheduler.Cancel("r1") },
		func() { require.NoError(t, f.scheduler.ReinitializeCrons(ctx)) },
		func() { f.scheduler.Schedule(ctx, "r1", &base) },
		func() { require.NoError(t, f.scheduler.ReinitializeCrons(ctx)) },
		func() { f.scheduler.Cancel("r2") },
		func() { f.scheduler.Schedule(ctx, "r2", nil) },
	}
	for i, step := range steps {
		step()
		t.Run(fmt.Sprintf("step %d", i), f.assertSingleJobPerRule)
	}
	assert.Len(t, f.scheduler.ListJobs(), 2)
}

func TestSchedule_ArmedJobsAreInTheFuture(t *testing.T) {
	last := start.Add(-20 * time.Second)
	rule := activeRule("r1", "* * * * *")
	rule.LastExecutedAt = &last
	f := newFixture(t, rule)

	require.True(t, f.scheduler.Schedule(context.Background(), "r1", nil))

	job, ok := f.scheduler.GetJob("r1")
	require.True(t, ok)
	assert.Equal(t, last, job.TimeBase)
	assert.True(t, job.NextExecution.After(start))
	assert.GreaterOrEqual(t, job.TimeUntilExecution, time.Second)
}

func TestSchedule_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive rule", func(t *testing.T) {
		rule := activeRule("r1", "* * * * *")
		rule.Status = model.RuleStatusPaused
		f := newFixture(t, rule)
		assert.False(t, f.scheduler.Schedule(ctx, "r1", nil))
		assert.Empty(t, f.scheduler.ListJobs())
	})

	t.Run("missing rule", func(t *testing.T) {
		f := newFixture(t)
		assert.False(t, f.scheduler.Schedule(ctx, "missing", nil))
	})

	t.Run("invalid expression", func(t *testing.T) {
		f := newFixture(t, activeRule("r1", "*/5 * * * *"))
		assert.False(t, f.scheduler.Schedule(ctx, "r1", nil))
		assert.Empty(t, f.scheduler.ListJobs())
	})

	t.Run("delay below floor", func(t *testing.T) {
		f := newFixture(t, activeRule("r1", "* * * * *"))
		f.clock.Jump(time.Date(2026, 3, 1, 12, 0, 59, 500_000_000, time.UTC))
		assert.False(t, f.scheduler.Schedule(ctx, "r1", nil))
		assert.Zero(t, f.clock.Pending())
	})

	t.Run("stale time base", func(t *testing.T) {
		f := newFixture(t, activeRule("r1", "* * * * *"))
		base := start.Add(-time.Hour)
		assert.False(t, f.scheduler.Schedule(ctx, "r1", &base))
		assert.Empty(t, f.scheduler.ListJobs())
	})
}

func TestFire_NormalTick(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	f.clock.Advance(30 * time.Second)

	calls := f.runner.callsFor("r1")
	require.Len(t, calls, 1)
	trigger := calls[0].trigger
	assert.Equal(t, TriggerSourceCron, trigger.Source)
	assert.False(t, trigger.Compensation)
	assert.Zero(t, trigger.Drift)
	require.NotNil(t, trigger.ExpectedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), *trigger.ExpectedAt)

	job, ok := f.scheduler.GetJob("r1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC), job.NextExecution)
	f.assertSingleJobPerRule(t)

	f.clock.Advance(time.Minute)
	assert.Len(t, f.runner.callsFor("r1"), 2)
}

func TestFire_CompensationKeepsCadence(t *testing.T) {
	f := newFixture(t, activeRule("r1", "0 * * * *"))
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	expected := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	f.clock.Jump(expected.Add(10 * time.Second))
	f.clock.FireDue()

	calls := f.runner.callsFor("r1")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].trigger.Compensation)
	assert.Equal(t, 10*time.Second, calls[0].trigger.Drift)

	job, ok := f.scheduler.GetJob("r1")
	require.True(t, ok)
	assert.Equal(t, expected, job.TimeBase)
	assert.Equal(t, expected.Add(time.Hour), job.NextExecution)
}

func TestFire_DriftWithinThresholdIsNormal(t *testing.T) {
	f := newFixture(t, activeRule("r1", "0 * * * *"))
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	expected := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	f.clock.Jump(expected.Add(5 * time.Second))
	f.clock.FireDue()

	calls := f.runner.callsFor("r1")
	require.Len(t, calls, 1)
	assert.False(t, calls[0].trigger.Compensation)

	job, ok := f.scheduler.GetJob("r1")
	require.True(t, ok)
	assert.Equal(t, expected.Add(5*time.Second), job.TimeBase)
}

func TestFire_LongSuspensionRunsOnce(t *testing.T) {
	f := newFixture(t, activeRule("r1", "0 * * * *"))
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	resumed := time.Date(2026, 3, 1, 17, 30, 0, 0, time.UTC)
	f.clock.Jump(resumed)
	f.clock.FireDue()

	calls := f.runner.callsFor("r1")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].trigger.Compensation)

	job, ok := f.scheduler.GetJob("r1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC), job.NextExecution)
	assert.True(t, job.NextExecution.After(resumed))
}

func TestFire_RuleDeactivatedDuringExecution(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	f.runner.hook = func(ruleID string) {
		f.store.update(ruleID, func(rule *model.Rule) { rule.Status = model.RuleStatusInactive })
	}
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	f.clock.Advance(30 * time.Second)

	assert.Len(t, f.runner.callsFor("r1"), 1)
	assert.Empty(t, f.scheduler.ListJobs())
	assert.Zero(t, f.clock.Pending())
}

func TestFire_RulePausedElsewhereDoesNotRun(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	// paused straight in the store with no reinitialize on this scheduler
	f.store.update("r1", func(rule *model.Rule) { rule.Status = model.RuleStatusPaused })
	f.clock.Advance(30 * time.Second)

	assert.Empty(t, f.runner.callsFor("r1"))
	assert.Empty(t, f.scheduler.ListJobs())
	assert.Zero(t, f.clock.Pending())
}

func TestFire_RuleDeletedElsewhereDoesNotRun(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	f.store.mu.Lock()
	delete(f.store.rules, "r1")
	f.store.mu.Unlock()
	f.clock.Advance(30 * time.Second)

	assert.Zero(t, f.runner.total())
	assert.Empty(t, f.scheduler.ListJobs())
}

func TestFire_ExecutionErrorStillReschedules(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	f.runner.fail["r1"] = errors.New("store unavailable")
	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))

	f.clock.Advance(30 * time.Second)

	assert.Len(t, f.runner.callsFor("r1"), 1)
	_, ok := f.scheduler.GetJob("r1")
	assert.True(t, ok)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"))
	f.scheduler.Cancel("r1")

	base := start
	require.True(t, f.scheduler.Schedule(context.Background(), "r1", &base))
	f.scheduler.Cancel("r1")

	assert.Empty(t, f.scheduler.ListJobs())
	assert.Zero(t, f.clock.Pending())

	f.clock.Advance(10 * time.Minute)
	assert.Zero(t, f.runner.total())
}

func TestStartAllActiveRules_CompensatesOnce(t *testing.T) {
	monthAgo := start.Add(-30 * 24 * time.Hour)
	stale := activeRule("stale", "0 * * * *")
	stale.LastExecutedAt = &monthAgo

	never := activeRule("never", "30 9 * * *")

	recent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := activeRule("fresh", "0 * * * *")
	fresh.LastExecutedAt = &recent

	paused := activeRule("paused", "* * * * *")
	paused.Status = model.RuleStatusPaused

	broken := activeRule("broken", "every minute")

	f := newFixture(t, stale, never, fresh, paused, broken)
	require.NoError(t, f.scheduler.StartAllActiveRules(context.Background()))

	staleCalls := f.runner.callsFor("stale")
	require.Len(t, staleCalls, 1)
	assert.Equal(t, TriggerSourceStartup, staleCalls[0].trigger.Source)
	assert.True(t, staleCalls[0].trigger.Compensation)
	require.NotNil(t, staleCalls[0].trigger.ExpectedAt)
	assert.Equal(t, monthAgo.Truncate(time.Hour).Add(time.Hour), *staleCalls[0].trigger.ExpectedAt)

	neverCalls := f.runner.callsFor("never")
	require.Len(t, neverCalls, 1)
	assert.Nil(t, neverCalls[0].trigger.ExpectedAt)

	assert.Empty(t, f.runner.callsFor("fresh"))
	assert.Empty(t, f.runner.callsFor("paused"))
	assert.Empty(t, f.runner.callsFor("broken"))
	assert.Equal(t, 2, f.runner.total())

	jobs := f.scheduler.ListJobs()
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, start, j.TimeBase, j.RuleID)
	}
	_, ok := f.scheduler.GetJob("broken")
	assert.False(t, ok)
}

func TestStartAllActiveRules_IsolatesFailures(t *testing.T) {
	f := newFixture(t, activeRule("a", "0 * * * *"), activeRule("b", "0 * * * *"))
	f.runner.fail["a"] = errors.New("boom")
	f.runner.hook = func(ruleID string) {
		if ruleID == "b" {
			panic("unexpected")
		}
	}

	require.NoError(t, f.scheduler.StartAllActiveRules(context.Background()))

	assert.Equal(t, 2, f.runner.total())
	assert.Len(t, f.scheduler.ListJobs(), 2)
}

func TestReinitializeCrons(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"), activeRule("r2", "0 * * * *"))
	ctx := context.Background()

	old := start.Add(-10 * time.Second)
	require.True(t, f.scheduler.Schedule(ctx, "r1", &old))
	require.True(t, f.scheduler.Schedule(ctx, "r2", &old))

	f.clock.Jump(start.Add(10 * time.Second))
	f.store.update("r2", func(rule *model.Rule) { rule.Status = model.RuleStatusInactive })
	f.store.put(activeRule("r3", "30 9 * * *"))

	require.NoError(t, f.scheduler.ReinitializeCrons(ctx))

	jobs := f.scheduler.ListJobs()
	require.Len(t, jobs, 2)
	now := start.Add(10 * time.Second)
	for _, j := range jobs {
		assert.Equal(t, now, j.TimeBase)
	}
	_, ok := f.scheduler.GetJob("r2")
	assert.False(t, ok)
	f.assertSingleJobPerRule(t)

	// a second reinitialize at the same instant does not duplicate anything
	require.NoError(t, f.scheduler.ReinitializeCrons(ctx))
	f.assertSingleJobPerRule(t)
	assert.Len(t, f.scheduler.ListJobs(), 2)
}

func TestStop(t *testing.T) {
	f := newFixture(t, activeRule("r1", "* * * * *"), activeRule("r2", "0 * * * *"))
	ctx := context.Background()
	require.NoError(t, f.scheduler.ReinitializeCrons(ctx))
	require.Equal(t, 2, f.clock.Pending())

	f.scheduler.Stop()

	assert.Zero(t, f.clock.Pending())
	assert.Empty(t, f.scheduler.ListJobs())
	assert.False(t, f.scheduler.Schedule(ctx, "r1", nil))
}

func TestPlanReschedule(t *testing.T) {
	at := func(h, m, s, ms int) time.Time {
		return time.Date(2026, 3, 1, h, m, s, ms*int(time.Millisecond), time.UTC)
	}

	tests := []struct {
		name         string
		expr         string
		expected     time.Time
		started      time.Time
		now          time.Time
		compensation bool
		want         time.Time
	}{
		{
			name:     "normal fire uses start time",
			expr:     "* * * * *",
			expected: at(12, 1, 0, 0),
			started:  at(12, 1, 0, 200),
			now:      at(12, 1, 1, 0),
			want:     at(12, 1, 0, 200),
		},
		{
			name:         "compensation anchors on expected instant",
			expr:         "0 * * * *",
			expected:     at(13, 0, 0, 0),
			started:      at(13, 0, 10, 0),
			now:          at(13, 0, 11, 0),
			compensation: true,
			want:         at(13, 0, 0, 0),
		},
		{
			name:         "stale compensation falls back to start time",
			expr:         "0 * * * *",
			expected:     at(13, 0, 0, 0),
			started:      at(17, 30, 0, 0),
			now:          at(17, 30, 5, 0),
			compensation: true,
			want:         at(17, 30, 0, 0),
		},
		{
			name:     "long execution falls back to now",
			expr:     "* * * * *",
			expected: at(12, 1, 0, 0),
			started:  at(12, 1, 0, 0),
			now:      at(12, 3, 30, 0),
			want:     at(12, 3, 30, 0),
		},
		{
			name:     "boundary skips to the following tick",
			expr:     "* * * * *",
			expected: at(12, 1, 0, 0),
			started:  at(12, 1, 0, 0),
			now:      at(12, 1, 59, 500),
			want:     at(12, 2, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planReschedule(tt.expr, tt.expected, tt.started, tt.now, tt.compensation, time.Second)
			assert.Equal(t, tt.want, got)
		})
	}
}
