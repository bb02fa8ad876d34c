// Copyright 2025 James Ross
// Package monitor is the Performance Monitor (C7): a 30s sampler and a 5min
// snapshot ticker over the Queue Broker Adapter, grounded on the deleted
// internal/anomaly-radar-slo-budget package's rolling-window + threshold
// shape, replaced with spec.md §4.7's exact metrics and thresholds.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/obs"
	"github.com/commoners1/sf-job-engine/internal/queue"
)

const salesforceQueue = "salesforce"
const processingSampleSize = 100

// Snapshot is one 30s sample of aggregate job-engine health.
type Snapshot struct {
	Taken             time.Time
	JobsPerSecond     float64
	ErrorRate         float64
	AvgProcessingMS   float64
	MemoryHeapFrac    float64
	CPUFraction       float64
	QueueDepths       map[string]int64
}

// Alert is one threshold breach (spec.md §4.7).
type Alert struct {
	Metric   string
	Severity string // "info" | "warning" | "critical"
	Value    float64
	Message  string
}

// AlertSink receives alerts as they're raised. Implementations must not block.
type AlertSink interface {
	Notify(alert Alert)
}

type logSink struct{ log *zap.Logger }

func (s logSink) Notify(a Alert) {
	switch a.Severity {
	case "critical":
		s.log.Error("monitor alert", obs.String("metric", a.Metric), obs.String("severity", a.Severity))
	default:
		s.log.Warn("monitor alert", obs.String("metric", a.Metric), obs.String("severity", a.Severity))
	}
}

const alertHistoryLimit = 100

// Monitor samples the broker on a fixed cadence and raises alerts on
// threshold breaches.
type Monitor struct {
	broker *queue.Broker
	cfg    config.Monitor
	log    *zap.Logger
	sink   AlertSink

	mu       sync.RWMutex
	last     Snapshot
	prevDone int64
	prevAt   time.Time
	alerts   []Alert
}

func New(b *queue.Broker, cfg config.Monitor, log *zap.Logger) *Monitor {
	return &Monitor{broker: b, cfg: cfg, log: log, sink: logSink{log}}
}

// SetSink overrides where alerts are delivered; default logs via zap.
func (m *Monitor) SetSink(sink AlertSink) { m.sink = sink }

// Latest returns the most recent completed sample.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Detailed returns the latest snapshot alongside the per-queue breakdown and
// the configured thresholds it was evaluated against.
func (m *Monitor) Detailed() map[string]any {
	m.mu.RLock()
	snap := m.last
	m.mu.RUnlock()
	return map[string]any{
		"snapshot":   snap,
		"thresholds": m.cfg.Thresholds,
	}
}

// Alerts returns the most recent raised alerts, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Monitor) recordAlert(a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > alertHistoryLimit {
		m.alerts = m.alerts[len(m.alerts)-alertHistoryLimit:]
	}
	m.mu.Unlock()
}

// Run drives the sample and snapshot tickers until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	sampleInterval := m.cfg.SampleInterval
	if sampleInterval <= 0 {
		sampleInterval = 30 * time.Second
	}
	snapshotPeriod := m.cfg.SnapshotPeriod
	if snapshotPeriod <= 0 {
		snapshotPeriod = 5 * time.Minute
	}

	sampleTicker := time.NewTicker(sampleInterval)
	snapshotTicker := time.NewTicker(snapshotPeriod)
	defer sampleTicker.Stop()
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			m.sample(ctx)
		case <-snapshotTicker.C:
			m.log.Info("monitor snapshot", obs.String("snapshot", "periodic"))
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	depths := map[string]int64{}
	var totalDone int64
	var totalFailed int64

	for _, name := range m.broker.QueueNames() {
		c, err := m.broker.Counts(ctx, name)
		if err != nil {
			m.log.Debug("monitor sample error", obs.String("queue", name), obs.Err(err))
			continue
		}
		depths[name] = c.Waiting + c.Delayed + c.Active
		totalDone += c.Completed + c.Failed
		totalFailed += c.Failed

		if c.Waiting+c.Delayed > int64(m.cfg.Thresholds.QueueDepthWarn) {
			alert := Alert{Metric: "queue_depth", Severity: "warning", Value: float64(c.Waiting + c.Delayed),
				Message: "queue " + name + " depth exceeds warning threshold"}
			m.sink.Notify(alert)
			m.recordAlert(alert)
		}
	}

	now := time.Now()
	var jobsPerSec float64
	m.mu.Lock()
	if !m.prevAt.IsZero() {
		dt := now.Sub(m.prevAt).Seconds()
		if dt > 0 {
			jobsPerSec = float64(totalDone-m.prevDone) / dt
		}
	}
	m.prevDone = totalDone
	m.prevAt = now
	m.mu.Unlock()

	var errorRate float64
	if totalDone > 0 {
		errorRate = float64(totalFailed) / float64(totalDone)
	}

	avgProcessingMS := m.avgProcessingMS(ctx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapFrac := 0.0
	if mem.Sys > 0 {
		heapFrac = float64(mem.HeapAlloc) / float64(mem.Sys)
	}

	snap := Snapshot{
		Taken:           now,
		JobsPerSecond:   jobsPerSec,
		ErrorRate:       errorRate,
		AvgProcessingMS: avgProcessingMS,
		MemoryHeapFrac:  heapFrac,
		// Goroutine count is a proxy for CPU tick fraction; runtime/pprof's
		// actual CPU profile would need a sampling window we don't hold open.
		CPUFraction: float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0)*100),
		QueueDepths:     depths,
	}
	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	m.evaluateThresholds(snap)
}

func (m *Monitor) avgProcessingMS(ctx context.Context) float64 {
	items, err := m.broker.List(ctx, salesforceQueue, queue.StateCompleted, 0, processingSampleSize)
	if err != nil || len(items) == 0 {
		return 0
	}
	var total time.Duration
	var n int
	for _, it := range items {
		if it.StartedAt == nil || it.FinishedAt == nil {
			continue
		}
		total += it.FinishedAt.Sub(*it.StartedAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(n)
}

func (m *Monitor) evaluateThresholds(s Snapshot) {
	t := m.cfg.Thresholds
	raise := func(a Alert) {
		m.sink.Notify(a)
		m.recordAlert(a)
	}
	if s.ErrorRate > t.ErrorRateCrit {
		raise(Alert{Metric: "error_rate", Severity: "critical", Value: s.ErrorRate, Message: "error rate above critical threshold"})
	}
	if s.AvgProcessingMS > float64(t.ProcessingMSWarn) {
		raise(Alert{Metric: "avg_processing_ms", Severity: "warning", Value: s.AvgProcessingMS, Message: "average processing time above warning threshold"})
	}
	if s.MemoryHeapFrac > t.MemoryFracWarn {
		raise(Alert{Metric: "memory_heap_fraction", Severity: "warning", Value: s.MemoryHeapFrac, Message: "heap fraction above warning threshold"})
	}
	if s.JobsPerSecond > t.JobsPerSecInfo {
		raise(Alert{Metric: "jobs_per_second", Severity: "info", Value: s.JobsPerSecond, Message: "throughput above informational threshold"})
	}
}
