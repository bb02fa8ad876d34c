// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Queues: map[string]config.QueuePolicy{
		"salesforce": {
			Key: "jobqueue:salesforce", DefaultAttempts: 2,
			Backoff:          config.Backoff{Kind: "exponential", Base: 10 * time.Millisecond, Max: time.Second},
			RemoveOnComplete: 10, RemoveOnFail: 10, LeaseMS: 200, MaxStalledCount: 1,
		},
	}}
	log, _ := zap.NewDevelopment()
	return New(rdb, cfg, log), mr
}

func TestEnqueueReserveComplete(t *testing.T) {
	b, mr := testBroker(t)
	defer mr.Close()
	ctx := context.Background()

	it, err := b.Enqueue(ctx, "salesforce", "pledge", map[string]string{"idempotency_key": "pledge-1"}, EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	if it.IdempotencyKey() != "pledge-1" {
		t.Fatalf("expected idempotency key round-trip, got %q", it.IdempotencyKey())
	}

	got, err := b.Reserve(ctx, "salesforce", "worker-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != it.ID {
		t.Fatalf("expected to reserve enqueued item")
	}
	if got.State != StateActive {
		t.Fatalf("expected active state, got %s", got.State)
	}

	if err := b.Complete(ctx, "salesforce", got.ID, nil); err != nil {
		t.Fatal(err)
	}
	counts, err := b.Counts(ctx, "salesforce")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 1 || counts.Active != 0 {
		t.Fatalf("unexpected counts after complete: %+v", counts)
	}
}

func TestPriorityOrdering(t *testing.T) {
	b, mr := testBroker(t)
	defer mr.Close()
	ctx := context.Background()

	low, err := b.Enqueue(ctx, "salesforce", "low", "{}", EnqueueOptions{Priority: 0})
	if err != nil {
		t.Fatal(err)
	}
	high, err := b.Enqueue(ctx, "salesforce", "high", "{}", EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}

	first, err := b.Reserve(ctx, "salesforce", "w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != high.ID {
		t.Fatalf("expected higher priority item first, got %s want %s", first.ID, high.ID)
	}
	second, err := b.Reserve(ctx, "salesforce", "w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != low.ID {
		t.Fatalf("expected remaining low priority item, got %s", second.ID)
	}
}

func TestFailRequeueThenTerminal(t *testing.T) {
	b, mr := testBroker(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "salesforce", "pledge", "{}", EnqueueOptions{Attempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	it, err := b.Reserve(ctx, "salesforce", "w1", 0)
	if err != nil || it == nil {
		t.Fatalf("expected to reserve item, err=%v", err)
	}
	if err := b.Fail(ctx, "salesforce", it.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	got, err := b.Get(ctx, "salesforce", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDelayed {
		t.Fatalf("expected delayed after first failure, got %s", got.State)
	}

	mr.FastForward(time.Second)
	it2, err := b.Reserve(ctx, "salesforce", "w1", 0)
	if err != nil || it2 == nil {
		t.Fatalf("expected to reserve retried item, err=%v", err)
	}
	if err := b.Fail(ctx, "salesforce", it2.ID, "boom again"); err != nil {
		t.Fatal(err)
	}
	final, err := b.Get(ctx, "salesforce", it2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected terminal failed after exhausting attempts, got %s", final.State)
	}
}

func TestPauseResume(t *testing.T) {
	b, mr := testBroker(t)
	defer mr.Close()
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "salesforce", "pledge", "{}", EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Pause(ctx, "salesforce"); err != nil {
		t.Fatal(err)
	}
	it, err := b.Reserve(ctx, "salesforce", "w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if it != nil {
		t.Fatalf("expected no reservation while paused")
	}
	if err := b.Resume(ctx, "salesforce"); err != nil {
		t.Fatal(err)
	}
	it, err = b.Reserve(ctx, "salesforce", "w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if it == nil {
		t.Fatalf("expected reservation after resume")
	}
}

func TestReclaimStalled(t *testing.T) {
	b, mr := testBroker(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "salesforce", "pledge", "{}", EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	it, err := b.Reserve(ctx, "salesforce", "w1", 50)
	if err != nil || it == nil {
		t.Fatalf("expected reservation, err=%v", err)
	}
	mr.FastForward(100 * time.Millisecond)

	n, err := b.ReclaimStalled(ctx, "salesforce")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled item recovered, got %d", n)
	}
	got, err := b.Get(ctx, "salesforce", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateWaiting || got.AttemptsMade != 1 {
		t.Fatalf("expected item back in waiting with attempts_made=1, got state=%s attempts_made=%d", got.State, got.AttemptsMade)
	}

	// second stall exceeds MaxStalledCount=1 and should terminate the item.
	it2, err := b.Reserve(ctx, "salesforce", "w1", 50)
	if err != nil || it2 == nil {
		t.Fatalf("expected second reservation, err=%v", err)
	}
	mr.FastForward(100 * time.Millisecond)
	if _, err := b.ReclaimStalled(ctx, "salesforce"); err != nil {
		t.Fatal(err)
	}
	final, err := b.Get(ctx, "salesforce", it2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected item terminated after exceeding max_stalled_count, got %s", final.State)
	}
}
