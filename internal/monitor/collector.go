package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/metrics"
	"github.com/t77yq/rulewatch/internal/scheduler"
)

// JobLister exposes the scheduler job table
type JobLister interface {
	ListJobs() []scheduler.JobInfo
}

// RunningLister exposes executions in flight
type RunningLister interface {
	Running() []string
}

// Snapshot is one collection of host and scheduler state
type Snapshot struct {
	Timestamp   time.Time           `json:"timestamp"`
	CPUUsage    float64             `json:"cpu_usage"`
	MemoryUsage float64             `json:"memory_usage"`
	Jobs        []scheduler.JobInfo `json:"jobs"`
	Running     []string            `json:"running"`
}

// Collector periodically samples host usage and the scheduler job table,
// exports them as Prometheus gauges and publishes them on NATS when connected
type Collector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	jobs     JobLister
	running  RunningLister
	interval time.Duration

	mu   sync.RWMutex
	last *Snapshot
	stop chan struct{}
	once sync.Once
}

// NewCollector creates a collector. js and running may be nil.
func NewCollector(jobs JobLister, running RunningLister, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *Collector {
	return &Collector{
		logger:   logger.Named("collector"),
		js:       js,
		jobs:     jobs,
		running:  running,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop
func (c *Collector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one snapshot, exports it and publishes it
func (c *Collector) Collect() *Snapshot {
	snapshot := &Snapshot{
		Timestamp: time.Now(),
		Jobs:      c.jobs.ListJobs(),
	}
	if c.running != nil {
		snapshot.Running = c.running.Running()
	}

	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		snapshot.MemoryUsage = memInfo.UsedPercent
	}

	metrics.SystemGauges.WithLabelValues("cpu_percent").Set(snapshot.CPUUsage)
	metrics.SystemGauges.WithLabelValues("memory_percent").Set(snapshot.MemoryUsage)
	metrics.SystemGauges.WithLabelValues("running_executions").Set(float64(len(snapshot.Running)))

	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	c.publish(snapshot)

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("job_count", len(snapshot.Jobs)))
	return snapshot
}

func (c *Collector) publish(snapshot *Snapshot) {
	if c.js == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal snapshot", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(SubjectSchedulerSnapshot, data); err != nil {
		c.logger.Error("Failed to publish snapshot", zap.Error(err))
	}
}

// Last returns the most recent snapshot, or nil before the first collection
func (c *Collector) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
