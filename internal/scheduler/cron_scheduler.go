package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/clock"
	"github.com/t77yq/rulewatch/internal/metrics"
	"github.com/t77yq/rulewatch/internal/model"
)

// CronScheduler keeps exactly one armed timer per active rule
type CronScheduler struct {
	logger *zap.Logger
	store  RuleStore
	runner RuleRunner
	clock  clock.Clock
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
}

// job is an armed timer for one rule
type job struct {
	ruleID   string
	next     time.Time
	timeBase time.Time
	timer    clock.Timer
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(store RuleStore, runner RuleRunner, clk clock.Clock, config Config, logger *zap.Logger) *CronScheduler {
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = DefaultDriftThreshold
	}
	if config.MinDelay <= 0 {
		config.MinDelay = DefaultMinDelay
	}
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		logger: logger.Named("scheduler"),
		store:  store,
		runner: runner,
		clock:  clk,
		config: config,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Schedule arms the rule's timer from timeBase, or from the rule's last
// execution time, or from now. It reports whether a timer was armed.
// Rejections are logged and never returned as errors.
func (s *CronScheduler) Schedule(ctx context.Context, ruleID string, timeBase *time.Time) bool {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		s.logger.Warn("Failed to load rule for scheduling",
			zap.String("rule_id", ruleID),
			zap.Error(err))
		return false
	}
	return s.scheduleRule(ctx, rule, timeBase)
}

func (s *CronScheduler) scheduleRule(ctx context.Context, rule *model.Rule, timeBase *time.Time) bool {
	if !rule.IsActive() {
		s.reject(rule.ID, rejectInactive, zap.String("status", string(rule.Status)))
		return false
	}

	now := s.clock.Now()
	base := now
	switch {
	case timeBase != nil:
		base = *timeBase
	case rule.LastExecutedAt != nil:
		base = *rule.LastExecutedAt
	}

	next, err := NextExecution(rule.CronExpression, base)
	if err != nil {
		s.reject(rule.ID, rejectExpression,
			zap.String("expression", rule.CronExpression),
			zap.Error(err))
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.reject(rule.ID, rejectStopped)
		return false
	}
	existing, ok := s.jobs[rule.ID]
	if ok && existing.timeBase.Equal(base) {
		s.mu.Unlock()
		s.reject(rule.ID, rejectDuplicate, zap.Time("time_base", base))
		return false
	}
	delay := next.Sub(now)
	if delay < s.config.MinDelay {
		s.mu.Unlock()
		s.reject(rule.ID, rejectMinDelay,
			zap.Time("next_execution", next),
			zap.Duration("delay", delay))
		return false
	}
	if !next.After(now) {
		s.mu.Unlock()
		s.reject(rule.ID, rejectStale, zap.Time("next_execution", next))
		return false
	}

	if ok {
		existing.timer.Stop()
	}
	j := &job{ruleID: rule.ID, next: next, timeBase: base}
	j.timer = s.clock.AfterFunc(delay, func() { s.fire(j) })
	s.jobs[rule.ID] = j
	metrics.SchedulerJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	s.logger.Info("Scheduled rule",
		zap.String("rule_id", rule.ID),
		zap.String("expression", rule.CronExpression),
		zap.Time("time_base", base),
		zap.Time("next_execution", next),
		zap.Duration("delay", delay))

	if err := s.store.UpdateRuleNextExecution(ctx, rule.ID, next); err != nil {
		s.logger.Warn("Failed to persist next execution",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}
	return true
}

func (s *CronScheduler) reject(ruleID, reason string, fields ...zap.Field) {
	metrics.SchedulerRejections.WithLabelValues(reason).Inc()
	fields = append([]zap.Field{zap.String("rule_id", ruleID), zap.String("reason", reason)}, fields...)
	if reason == rejectInactive || reason == rejectDuplicate || reason == rejectStopped {
		s.logger.Debug("Rule not scheduled", fields...)
		return
	}
	s.logger.Warn("Rule not scheduled", fields...)
}

// fire runs when a job's timer expires: execute once, then re-arm
func (s *CronScheduler) fire(j *job) {
	s.mu.Lock()
	if s.stopped || s.jobs[j.ruleID] != j {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, j.ruleID)
	metrics.SchedulerJobs.Set(float64(len(s.jobs)))
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	started := s.clock.Now()
	drift := started.Sub(j.next)
	compensation := drift > s.config.DriftThreshold

	kind := fireNormal
	if compensation {
		kind = fireCompensation
	}
	metrics.SchedulerFires.WithLabelValues(kind).Inc()
	metrics.SchedulerDrift.Observe(drift.Seconds())

	s.logger.Info("Rule timer fired",
		zap.String("rule_id", j.ruleID),
		zap.Time("expected_at", j.next),
		zap.Duration("drift", drift),
		zap.Bool("compensation", compensation))

	// another process may have paused or deleted the rule since it was armed
	current, err := s.store.GetRule(s.ctx, j.ruleID)
	if err != nil {
		s.logger.Warn("Skipping fire for unloadable rule",
			zap.String("rule_id", j.ruleID),
			zap.Error(err))
		return
	}
	if !current.IsActive() {
		s.logger.Info("Skipping fire for inactive rule",
			zap.String("rule_id", j.ruleID),
			zap.String("status", string(current.Status)))
		return
	}

	expected := j.next
	s.run(s.ctx, j.ruleID, &model.TriggerInfo{
		Source:       TriggerSourceCron,
		Compensation: compensation,
		ExpectedAt:   &expected,
		Drift:        drift,
	})

	rule, err := s.store.GetRule(s.ctx, j.ruleID)
	if err != nil {
		s.logger.Warn("Failed to reload rule after execution",
			zap.String("rule_id", j.ruleID),
			zap.Error(err))
		return
	}

	base := planReschedule(rule.CronExpression, expected, started, s.clock.Now(), compensation, s.config.MinDelay)
	s.scheduleRule(s.ctx, rule, &base)
}

// planReschedule picks the time base for the job that follows a fire. A
// compensation fire keeps the cadence anchored on the expected instant and a
// normal fire uses the start time. When the preferred base would yield a fire
// closer than minDelay to now, the start time, now, and the next tick after
// now are tried in turn.
func planReschedule(expr string, expected, started, now time.Time, compensation bool, minDelay time.Duration) time.Time {
	preferred := started
	if compensation {
		preferred = expected
	}

	candidates := []time.Time{preferred, started, now}
	if next, err := NextExecution(expr, now); err == nil {
		candidates = append(candidates, next)
	}
	for _, base := range candidates {
		next, err := NextExecution(expr, base)
		if err == nil && next.Sub(now) >= minDelay {
			return base
		}
	}
	return preferred
}

// run invokes the runner, isolating panics and errors to the rule
func (s *CronScheduler) run(ctx context.Context, ruleID string, trigger *model.TriggerInfo) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Rule execution panicked",
				zap.String("rule_id", ruleID),
				zap.Any("panic", r))
		}
	}()

	outcome, err := s.runner.ExecuteRule(ctx, ruleID, model.ExecutionTypeScheduled, trigger)
	if err != nil {
		s.logger.Error("Failed to execute rule",
			zap.String("rule_id", ruleID),
			zap.Error(err))
		return
	}
	if !outcome.Success {
		s.logger.Warn("Rule execution failed",
			zap.String("rule_id", ruleID),
			zap.String("execution_id", outcome.ExecutionID),
			zap.String("error", outcome.Error))
	}
}

// Cancel clears the rule's timer. It is safe to call when no job exists.
func (s *CronScheduler) Cancel(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[ruleID]
	if !ok {
		return
	}
	j.timer.Stop()
	delete(s.jobs, ruleID)
	metrics.SchedulerJobs.Set(float64(len(s.jobs)))

	s.logger.Info("Cancelled rule timer", zap.String("rule_id", ruleID))
}

// StartAllActiveRules runs one compensation execution for every active rule
// that never ran or missed its last fire, then arms all active rules from a
// shared now.
func (s *CronScheduler) StartAllActiveRules(ctx context.Context) error {
	rules, err := s.store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active rules: %w", err)
	}

	now := s.clock.Now()
	swept := 0
	for _, rule := range rules {
		missed, expected, err := missedFire(rule, now)
		if err != nil {
			s.logger.Warn("Skipping compensation check",
				zap.String("rule_id", rule.ID),
				zap.String("expression", rule.CronExpression),
				zap.Error(err))
			continue
		}
		if !missed {
			continue
		}

		trigger := &model.TriggerInfo{Source: TriggerSourceStartup, Compensation: true}
		if expected != nil {
			trigger.ExpectedAt = expected
			trigger.Drift = now.Sub(*expected)
		}
		s.logger.Info("Running compensation execution",
			zap.String("rule_id", rule.ID),
			zap.Timep("last_executed_at", rule.LastExecutedAt))
		metrics.SchedulerFires.WithLabelValues(fireSweep).Inc()
		s.run(ctx, rule.ID, trigger)
		swept++
	}

	armAt := s.clock.Now()
	armed := 0
	for _, rule := range rules {
		if s.scheduleRule(ctx, rule, &armAt) {
			armed++
		}
	}

	s.logger.Info("Started active rules",
		zap.Int("rules", len(rules)),
		zap.Int("compensated", swept),
		zap.Int("armed", armed))
	return nil
}

// missedFire reports whether the rule should be compensated at now, along
// with the fire instant that was missed when the rule ran before
func missedFire(rule *model.Rule, now time.Time) (bool, *time.Time, error) {
	if rule.LastExecutedAt == nil {
		if err := ValidateExpression(rule.CronExpression); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}
	next, err := NextExecution(rule.CronExpression, *rule.LastExecutedAt)
	if err != nil {
		return false, nil, err
	}
	if next.Before(now) {
		return true, &next, nil
	}
	return false, nil, nil
}

// ReinitializeCrons cancels every job and re-arms all active rules from one shared now
func (s *CronScheduler) ReinitializeCrons(ctx context.Context) error {
	s.mu.Lock()
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
	}
	metrics.SchedulerJobs.Set(0)
	s.mu.Unlock()

	rules, err := s.store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active rules: %w", err)
	}

	now := s.clock.Now()
	armed := 0
	for _, rule := range rules {
		if s.scheduleRule(ctx, rule, &now) {
			armed++
		}
	}

	s.logger.Info("Reinitialized cron jobs",
		zap.Int("rules", len(rules)),
		zap.Int("armed", armed))
	return nil
}

// ListJobs returns all armed jobs ordered by next execution
func (s *CronScheduler) ListJobs() []JobInfo {
	now := s.clock.Now()

	s.mu.Lock()
	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.info(now))
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].NextExecution.Equal(jobs[k].NextExecution) {
			return jobs[i].RuleID < jobs[k].RuleID
		}
		return jobs[i].NextExecution.Before(jobs[k].NextExecution)
	})
	return jobs
}

// GetJob returns the armed job of a rule
func (s *CronScheduler) GetJob(ruleID string) (JobInfo, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[ruleID]
	if !ok {
		return JobInfo{}, false
	}
	return j.info(now), true
}

func (j *job) info(now time.Time) JobInfo {
	return JobInfo{
		RuleID:             j.ruleID,
		NextExecution:      j.next,
		TimeBase:           j.timeBase,
		TimeUntilExecution: j.next.Sub(now),
	}
}

// Stop cancels all timers and waits for in-flight fires to finish
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
	}
	metrics.SchedulerJobs.Set(0)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}
