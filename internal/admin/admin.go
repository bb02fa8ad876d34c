// Copyright 2025 James Ross
// Package admin implements operator operations against the Queue Broker
// Adapter (C2): per-queue stats, peek, pause/resume, retry, and destructive
// purge operations. cmd/jobengine has no admin role and does not call it.
package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/commoners1/sf-job-engine/internal/queue"
)

type StatsResult struct {
	Queues map[string]queue.Counts `json:"queues"`
}

// Stats reports counts for every configured queue.
func Stats(ctx context.Context, b *queue.Broker) (StatsResult, error) {
	res := StatsResult{Queues: map[string]queue.Counts{}}
	for _, name := range b.QueueNames() {
		c, err := b.Counts(ctx, name)
		if err != nil {
			return res, err
		}
		res.Queues[name] = c
	}
	return res, nil
}

type PeekResult struct {
	Queue string        `json:"queue"`
	State queue.State   `json:"state"`
	Items []*queue.Item `json:"items"`
}

// Peek lists up to n items of a queue in the requested state (default waiting).
func Peek(ctx context.Context, b *queue.Broker, queueName string, state queue.State, n int) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	if state == "" {
		state = queue.StateWaiting
	}
	items, err := b.List(ctx, queueName, state, 0, n)
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: queueName, State: state, Items: items}, nil
}

// Pause stops a queue from yielding new reservations.
func Pause(ctx context.Context, b *queue.Broker, queueName string) error {
	return b.Pause(ctx, queueName)
}

// Resume re-enables reservations on a paused queue.
func Resume(ctx context.Context, b *queue.Broker, queueName string) error {
	return b.Resume(ctx, queueName)
}

// Retry re-queues a single terminal failed item as waiting.
func Retry(ctx context.Context, b *queue.Broker, queueName, id string) error {
	return b.Retry(ctx, queueName, id)
}

// Remove deletes a single item regardless of its current state.
func Remove(ctx context.Context, b *queue.Broker, queueName, id string) error {
	return b.Remove(ctx, queueName, id)
}

// PurgeDLQ clears every terminal failed item from one queue.
func PurgeDLQ(ctx context.Context, b *queue.Broker, queueName string) (int, error) {
	items, err := b.List(ctx, queueName, queue.StateFailed, 0, 1_000_000)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := b.Remove(ctx, queueName, it.ID); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// PurgeAll obliterates every configured queue. Destructive; CLI callers must
// require an explicit confirmation flag before invoking this.
func PurgeAll(ctx context.Context, b *queue.Broker) (int, error) {
	names := b.QueueNames()
	sort.Strings(names)
	for _, name := range names {
		if err := b.Obliterate(ctx, name); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
}

// Bench enqueues count synthetic items to a queue and waits, up to timeout,
// for them all to reach completed or failed.
func Bench(ctx context.Context, b *queue.Broker, queueName string, count, rate, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	if payloadSize <= 0 {
		payloadSize = 1024
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = 'x'
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		body := map[string]string{
			"idempotency_key": fmt.Sprintf("bench-%d-%d", start.UnixNano(), i),
			"filler":          string(payload),
		}
		if _, err := b.Enqueue(ctx, queueName, "bench", body, queue.EnqueueOptions{}); err != nil {
			return res, err
		}
	}

	doneBy := time.Now().Add(timeout)
	for time.Now().Before(doneBy) {
		c, err := b.Counts(ctx, queueName)
		if err != nil {
			return res, err
		}
		if int(c.Completed+c.Failed) >= count {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}
	return res, nil
}
