// Copyright 2025 James Ross
// Package auditwriter is the Batched Audit Writer (C5): it buffers both
// Audit Entries and Job Store update requests in memory and flushes each to
// its own table in one transaction, so a burst of job activity costs one
// Postgres round trip per buffer instead of one per record. It is the only
// component that writes job status/attempts; the Worker Pool and Scheduler
// only ever hand it a jobupdate.Update. Grounded on
// internal/job-budgeting/aggregator.go's buffer + ticker shape (deleted from
// this tree; its role is fully replaced here).
package auditwriter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/jobupdate"
	"github.com/commoners1/sf-job-engine/internal/obs"
)

// Store is the narrow persistence surface the writer flushes into: one
// batch append for the Audit Log (C6) and one batched transition apply for
// the Job Store (C1), both coalesced by this writer (spec.md §4.5).
type Store interface {
	AppendBatch(ctx context.Context, entries []audit.Entry) error
	UpdateJobs(ctx context.Context, updates []jobupdate.Update) error
}

// SettingsGate reports whether audit writes are currently enabled, backed by
// a TTL-refreshed capability rather than a per-call settings read (spec.md
// §9's design note on the "live settings" singleton).
type SettingsGate interface {
	AuditLogEnabled(ctx context.Context) bool
}

// Writer implements audit.Writer with a buffer+ticker flush loop. Append
// never blocks on Postgres: it only takes a mutex and appends to a slice.
type Writer struct {
	store  Store
	gate   SettingsGate
	log    *zap.Logger

	batchSize    int
	batchTimeout time.Duration
	backlogWarn  int

	mu      sync.Mutex
	buffer  []audit.Entry
	updates []jobupdate.Update

	flushNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(store Store, gate SettingsGate, cfg config.AuditWriter, log *zap.Logger) *Writer {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	mult := cfg.BacklogWarnMult
	if mult < 1 {
		mult = 2
	}
	return &Writer{
		store:        store,
		gate:         gate,
		log:          log,
		batchSize:    batchSize,
		batchTimeout: timeout,
		backlogWarn:  mult * batchSize,
		flushNow:     make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Append buffers an entry for the next flush. Implements audit.Writer.
// Short-circuits when the settings gate reports auditing disabled.
func (w *Writer) Append(entry audit.Entry) {
	if w.gate != nil && !w.gate.AuditLogEnabled(context.Background()) {
		return
	}
	w.mu.Lock()
	w.buffer = append(w.buffer, entry)
	depth := len(w.buffer)
	w.mu.Unlock()

	obs.AuditWriterBufferDepth.Set(float64(depth))
	if depth >= w.backlogWarn {
		w.log.Warn("audit writer backlog above warn threshold", obs.Int("depth", depth), obs.Int("warn_at", w.backlogWarn))
	}
	if depth >= w.batchSize {
		w.signalFlush()
	}
}

// AppendJobUpdate buffers a Job Store transition request for the next
// flush. Implements jobupdate.Writer. This is the only path by which a
// worker or scheduler may request a status change on a Job Store row
// (spec.md §4.5): the write itself happens only inside flushJobUpdates.
func (w *Writer) AppendJobUpdate(u jobupdate.Update) {
	w.mu.Lock()
	w.updates = append(w.updates, u)
	depth := len(w.updates)
	w.mu.Unlock()

	obs.JobUpdateWriterBufferDepth.Set(float64(depth))
	if depth >= w.backlogWarn {
		w.log.Warn("job update writer backlog above warn threshold", obs.Int("depth", depth), obs.Int("warn_at", w.backlogWarn))
	}
	if depth >= w.batchSize {
		w.signalFlush()
	}
}

func (w *Writer) signalFlush() {
	select {
	case w.flushNow <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until ctx is cancelled, then force-flushes the
// remaining buffer once before returning.
func (w *Writer) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(w.batchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			w.flushJobUpdates(context.Background())
			close(w.done)
			return
		case <-ticker.C:
			w.flush(ctx)
			w.flushJobUpdates(ctx)
		case <-w.flushNow:
			w.flush(ctx)
			w.flushJobUpdates(ctx)
		}
	}
}

// FlushNow requests an out-of-cycle flush of both buffers and returns once
// the request has been handed to the run loop (not once the flush itself has
// completed: the caller only needs to know the backlog will drain promptly).
func (w *Writer) FlushNow() {
	w.signalFlush()
}

// Wait blocks until Run has force-flushed and returned.
func (w *Writer) Wait() {
	<-w.done
	w.wg.Wait()
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	start := time.Now()
	err := w.store.AppendBatch(ctx, batch)
	obs.AuditWriterFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.log.Error("audit batch flush failed, re-buffering", obs.Int("count", len(batch)), obs.Err(err))
		w.mu.Lock()
		w.buffer = append(batch, w.buffer...)
		w.mu.Unlock()
		obs.AuditWriterBufferDepth.Set(float64(len(batch)))
		return
	}
	w.mu.Lock()
	obs.AuditWriterBufferDepth.Set(float64(len(w.buffer)))
	w.mu.Unlock()
}

// flushJobUpdates applies the buffered JobUpdate records in one transaction
// (spec.md §4.5's flush algorithm: one update per buffered record matched by
// idempotency_key). A failed flush re-prepends the batch ahead of whatever
// has buffered since, so ordering within a single idempotency_key's updates
// is preserved across a retry.
func (w *Writer) flushJobUpdates(ctx context.Context) {
	w.mu.Lock()
	if len(w.updates) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.updates
	w.updates = nil
	w.mu.Unlock()

	start := time.Now()
	err := w.store.UpdateJobs(ctx, batch)
	obs.JobUpdateWriterFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.log.Error("job update batch flush failed, re-buffering", obs.Int("count", len(batch)), obs.Err(err))
		w.mu.Lock()
		w.updates = append(batch, w.updates...)
		w.mu.Unlock()
		obs.JobUpdateWriterBufferDepth.Set(float64(len(batch)))
		return
	}
	w.mu.Lock()
	obs.JobUpdateWriterBufferDepth.Set(float64(len(w.updates)))
	w.mu.Unlock()
}
