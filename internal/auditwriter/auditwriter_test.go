// Copyright 2025 James Ross
package auditwriter

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/jobupdate"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]audit.Entry
	failN   int
}

func (f *fakeStore) AppendBatch(ctx context.Context, entries []audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return context.DeadlineExceeded
	}
	f.batches = append(f.batches, entries)
	return nil
}

func (f *fakeStore) UpdateJobs(ctx context.Context, updates []jobupdate.Update) error {
	return nil
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	w := New(store, nil, config.AuditWriter{BatchSize: 3, BatchTimeout: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Append(audit.Entry{ID: "1"})
	w.Append(audit.Entry{ID: "2"})
	w.Append(audit.Entry{ID: "3"})

	deadline := time.Now().Add(time.Second)
	for store.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := store.total(); got != 3 {
		t.Fatalf("expected 3 flushed entries, got %d", got)
	}
	cancel()
	w.Wait()
}

func TestWriterForceFlushesOnShutdown(t *testing.T) {
	store := &fakeStore{}
	w := New(store, nil, config.AuditWriter{BatchSize: 100, BatchTimeout: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Append(audit.Entry{ID: "1"})
	cancel()
	w.Wait()

	if got := store.total(); got != 1 {
		t.Fatalf("expected force-flush to deliver 1 entry, got %d", got)
	}
}

func TestWriterRebuffersOnFlushFailure(t *testing.T) {
	store := &fakeStore{failN: 1}
	w := New(store, nil, config.AuditWriter{BatchSize: 1, BatchTimeout: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Append(audit.Entry{ID: "1"})
	w.flush(ctx)
	if store.total() != 0 {
		t.Fatalf("expected failed flush to leave store empty")
	}
	w.flush(ctx)
	if store.total() != 1 {
		t.Fatalf("expected retried flush to succeed, got total %d", store.total())
	}
}
