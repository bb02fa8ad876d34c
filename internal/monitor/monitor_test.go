// Copyright 2025 James Ross
package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/queue"
)

type fakeSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (f *fakeSink) Notify(a Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

func (f *fakeSink) has(metric string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.Metric == metric {
			return true
		}
	}
	return false
}

func testBroker(t *testing.T) *queue.Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Queues: map[string]config.QueuePolicy{
		"salesforce": {Key: "jobqueue:salesforce", DefaultAttempts: 1, LeaseMS: 200, MaxStalledCount: 1,
			Backoff: config.Backoff{Kind: "fixed", Base: 10 * time.Millisecond, Max: time.Second}},
	}}
	log, _ := zap.NewDevelopment()
	return queue.New(rdb, cfg, log)
}

func TestSampleComputesErrorRate(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, "salesforce", "x", map[string]string{"idempotency_key": "k"}, queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
		got, err := b.Reserve(ctx, "salesforce", "w1", 1000)
		if err != nil || got == nil {
			t.Fatalf("reserve failed: %v", err)
		}
		if i == 0 {
			if err := b.Fail(ctx, "salesforce", got.ID, "boom"); err != nil {
				t.Fatal(err)
			}
		} else {
			if err := b.Complete(ctx, "salesforce", got.ID, nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	m := New(b, config.Monitor{Thresholds: config.AlertThresholds{ErrorRateCrit: 0.1}}, zap.NewNop())
	sink := &fakeSink{}
	m.SetSink(sink)
	m.sample(ctx)

	snap := m.Latest()
	if snap.ErrorRate <= 0 {
		t.Fatalf("expected nonzero error rate, got %v", snap.ErrorRate)
	}
	if !sink.has("error_rate") {
		t.Fatalf("expected error_rate alert above threshold 0.1, got %+v", sink.alerts)
	}
}

func TestSampleFlagsQueueDepth(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := b.Enqueue(ctx, "salesforce", "x", map[string]string{"idempotency_key": "d"}, queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	m := New(b, config.Monitor{Thresholds: config.AlertThresholds{QueueDepthWarn: 2}}, zap.NewNop())
	sink := &fakeSink{}
	m.SetSink(sink)
	m.sample(ctx)

	if !sink.has("queue_depth") {
		t.Fatalf("expected queue_depth alert, got %+v", sink.alerts)
	}
}
