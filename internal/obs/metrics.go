// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by queue",
	}, []string{"queue"})
	JobsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_consumed_total",
		Help: "Total number of jobs reserved by workers, by queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs, by queue",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs, by queue",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries, by queue",
	}, []string{"queue"})
	JobsDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to a dead letter list, by queue",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations, by queue",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of Redis-backed queues",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by queue",
	}, []string{"queue"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a queue's circuit breaker transitioned to Open",
	}, []string{"queue"})
	StalledRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stalled_recovered_total",
		Help: "Total number of jobs recovered from a stalled lease, by queue",
	}, []string{"queue"})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines, by queue",
	}, []string{"queue"})

	// Job Store / idempotency (C1)
	JobStoreDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_store_duplicate_total",
		Help: "Total number of creates rejected as duplicate idempotency keys, by job type",
	}, []string{"job_type"})

	// Scheduler (C4)
	CronTick = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cron_tick_total",
		Help: "Total number of cron ticks, by job type and outcome",
	}, []string{"type", "outcome"})

	// Batched Audit Writer (C5)
	AuditWriterBufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_writer_buffer_depth",
		Help: "Current number of buffered audit updates awaiting flush",
	})
	AuditWriterFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_writer_flush_duration_seconds",
		Help:    "Histogram of audit writer flush durations",
		Buckets: prometheus.DefBuckets,
	})
	JobUpdateWriterBufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "job_update_writer_buffer_depth",
		Help: "Current number of buffered Job Store updates awaiting flush",
	})
	JobUpdateWriterFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_update_writer_flush_duration_seconds",
		Help:    "Histogram of Job Store update flush durations",
		Buckets: prometheus.DefBuckets,
	})

	// Delivery Handoff (C8)
	DeliveryMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_marked_total",
		Help: "Total number of audit entries marked delivered",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
		JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		StalledRecovered, WorkerActive, JobStoreDuplicate, CronTick,
		AuditWriterBufferDepth, AuditWriterFlushDuration, DeliveryMarked,
		JobUpdateWriterBufferDepth, JobUpdateWriterFlushDuration,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
