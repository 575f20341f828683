package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerJobs tracks the number of armed scheduler jobs
	SchedulerJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rulewatch_scheduler_jobs",
			Help: "Number of rules with an armed timer",
		},
	)

	// SchedulerFires counts timer fires by kind (normal, compensation, sweep)
	SchedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulewatch_scheduler_fires_total",
			Help: "Scheduler fires by kind",
		},
		[]string{"kind"},
	)

	// SchedulerRejections counts schedule attempts that did not arm a timer
	SchedulerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulewatch_scheduler_rejections_total",
			Help: "Schedule attempts rejected by reason",
		},
		[]string{"reason"},
	)

	// SchedulerDrift observes the lateness of timer fires
	SchedulerDrift = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulewatch_scheduler_drift_seconds",
			Help:    "Difference between expected and actual fire instants",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 3600},
		},
	)

	// Executions counts finished executions by type and status
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulewatch_executions_total",
			Help: "Rule executions by execution type and terminal status",
		},
		[]string{"type", "status"},
	)

	// ExecutionDuration observes execution wall time
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rulewatch_execution_duration_seconds",
			Help:    "Rule execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// AutoRead counts executions acknowledged automatically
	AutoRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rulewatch_executions_auto_read_total",
			Help: "Executions marked read because they added no items",
		},
	)

	// UnreadExecutions tracks unread completed executions per rule
	UnreadExecutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rulewatch_unread_executions",
			Help: "Unread completed executions by rule",
		},
		[]string{"rule_id"},
	)

	// SystemGauges tracks host resource usage
	SystemGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rulewatch_system_stats",
			Help: "Host resource usage",
		},
		[]string{"type"},
	)
)
