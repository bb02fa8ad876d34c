// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/obs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// State is one of the Queued Item lifecycle states (spec.md §3).
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
)

// Item is the ephemeral Queued Item the broker owns (spec.md §3). A Job's
// idempotency_key travels inside Payload; the broker never interprets it.
type Item struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attempts_made"`
	Attempts     int             `json:"attempts"`
	Priority     int             `json:"priority"`
	DelayUntil   int64           `json:"delay_until"` // unix ms, 0 if none
	State        State           `json:"state"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	StalledCount int             `json:"stalled_count"`
	TraceID      string          `json:"trace_id,omitempty"`
	SpanID       string          `json:"span_id,omitempty"`
	workerID     string
}

// GetTraceID and GetSpanID satisfy obs.SpannableItem so the worker can open a
// processing span honoring any remote parent the item carries.
func (it *Item) GetTraceID() string { return it.TraceID }
func (it *Item) GetSpanID() string  { return it.SpanID }

// SpanAttributes satisfies obs.SpannableItem.
func (it *Item) SpanAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", it.ID),
		attribute.String("job.queue", it.Queue),
		attribute.String("job.name", it.Name),
		attribute.Int("job.priority", it.Priority),
		attribute.Int("job.attempts_made", it.AttemptsMade),
		attribute.String("job.enqueued_at", it.EnqueuedAt.Format(time.RFC3339Nano)),
	}
}

// IdempotencyKey extracts the job's idempotency_key from the payload, if present.
func (it *Item) IdempotencyKey() string {
	var v struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.Unmarshal(it.Payload, &v); err != nil {
		return ""
	}
	return v.IdempotencyKey
}

// Counts reports the size of each queue state (spec.md §4.2 counts()).
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// EnqueueOptions overrides a queue's defaults for a single enqueue call.
// Priority, DelayMS and Attempts are applied; Backoff is not stored on the
// item, and Fail always retries with the queue policy's backoff.
type EnqueueOptions struct {
	Priority int
	DelayMS  int64
	Attempts int
	Backoff  *config.Backoff
}

var ErrNotFound = fmt.Errorf("item not found")
var ErrPaused = fmt.Errorf("queue is paused")

// Broker is the Queue Broker Adapter (C2): named Redis-backed queues with
// priority/delay enqueue, lease-based reservation, and stall recovery.
type Broker struct {
	rdb *redis.Client
	cfg *config.Config
	log *zap.Logger
}

func New(rdb *redis.Client, cfg *config.Config, log *zap.Logger) *Broker {
	return &Broker{rdb: rdb, cfg: cfg, log: log}
}

func (b *Broker) policy(queueName string) (config.QueuePolicy, error) {
	p, ok := b.cfg.Queues[queueName]
	if !ok {
		return config.QueuePolicy{}, fmt.Errorf("unknown queue %q", queueName)
	}
	return p, nil
}

func keyWaiting(key string) string     { return key + ":waiting" }
func keyDelayed(key string) string     { return key + ":delayed" }
func keyActive(key string) string      { return key + ":active" }
func keyCompleted(key string) string   { return key + ":completed" }
func keyFailed(key string) string      { return key + ":failed" }
func keyPaused(key string) string      { return key + ":paused" }
func keySeq(key string) string         { return key + ":seq" }
func keyItem(key, id string) string    { return key + ":item:" + id }
func keyLease(key, id string) string   { return key + ":lease:" + id }

// waitingScore ranks by priority first (higher wins), then FIFO within a
// priority (earlier sequence wins). Mirrors the ordering invariant of §4.2.
func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*1e15 - float64(seq)
}

// Enqueue adds a new item to queue and returns it. A positive DelayMS places
// the item in the delayed set, invisible to Reserve until it elapses.
func (b *Broker) Enqueue(ctx context.Context, queueName, name string, payload interface{}, opts EnqueueOptions) (*Item, error) {
	p, err := b.policy(queueName)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	attempts := p.DefaultAttempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}

	it := &Item{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Name:       name,
		Payload:    raw,
		Attempts:   attempts,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now().UTC(),
	}

	seq, err := b.rdb.Incr(ctx, keySeq(p.Key)).Result()
	if err != nil {
		return nil, fmt.Errorf("sequence incr: %w", err)
	}

	if opts.DelayMS > 0 {
		it.DelayUntil = time.Now().Add(time.Duration(opts.DelayMS) * time.Millisecond).UnixMilli()
		it.State = StateDelayed
		if err := b.saveItem(ctx, p.Key, it); err != nil {
			return nil, err
		}
		if err := b.rdb.ZAdd(ctx, keyDelayed(p.Key), redis.Z{Score: float64(it.DelayUntil), Member: it.ID}).Err(); err != nil {
			return nil, fmt.Errorf("zadd delayed: %w", err)
		}
	} else {
		it.State = StateWaiting
		if err := b.saveItem(ctx, p.Key, it); err != nil {
			return nil, err
		}
		score := waitingScore(it.Priority, seq)
		if err := b.rdb.ZAdd(ctx, keyWaiting(p.Key), redis.Z{Score: score, Member: it.ID}).Err(); err != nil {
			return nil, fmt.Errorf("zadd waiting: %w", err)
		}
	}

	obs.JobsEnqueued.WithLabelValues(queueName).Inc()
	return it, nil
}

// promoteDelayed moves any delayed items whose delay has elapsed into waiting.
func (b *Broker) promoteDelayed(ctx context.Context, key string) error {
	now := float64(time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, keyDelayed(key), &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64)}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, id := range ids {
		it, err := b.loadItem(ctx, key, id)
		if err != nil {
			continue
		}
		seq, _ := b.rdb.Incr(ctx, keySeq(key)).Result()
		it.State = StateWaiting
		it.DelayUntil = 0
		if err := b.saveItem(ctx, key, it); err != nil {
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, keyDelayed(key), id)
		pipe.ZAdd(ctx, keyWaiting(key), redis.Z{Score: waitingScore(it.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Reserve pops the highest-priority, earliest-enqueued waiting item and
// moves it to active under a lease, or returns (nil, nil) if none available.
func (b *Broker) Reserve(ctx context.Context, queueName, workerID string, leaseMS int64) (*Item, error) {
	p, err := b.policy(queueName)
	if err != nil {
		return nil, err
	}
	paused, err := b.rdb.Exists(ctx, keyPaused(p.Key)).Result()
	if err != nil {
		return nil, err
	}
	if paused == 1 {
		return nil, nil
	}
	if err := b.promoteDelayed(ctx, p.Key); err != nil {
		b.log.Warn("promote delayed failed", obs.String("queue", queueName), obs.Err(err))
	}

	res, err := b.rdb.ZPopMax(ctx, keyWaiting(p.Key), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	id, _ := res[0].Member.(string)
	it, err := b.loadItem(ctx, p.Key, id)
	if err != nil {
		return nil, err
	}

	if leaseMS <= 0 {
		leaseMS = p.LeaseMS
	}
	now := time.Now().UTC()
	it.State = StateActive
	it.StartedAt = &now
	it.workerID = workerID
	if err := b.saveItem(ctx, p.Key, it); err != nil {
		return nil, err
	}
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, keyActive(p.Key), id)
	pipe.Set(ctx, keyLease(p.Key, id), workerID, time.Duration(leaseMS)*time.Millisecond)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	obs.JobsConsumed.WithLabelValues(queueName).Inc()
	return it, nil
}

// Complete releases an item's lease and moves it to the completed list.
func (b *Broker) Complete(ctx context.Context, queueName, id string, returnValue interface{}) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	it, err := b.loadItem(ctx, p.Key, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	it.State = StateCompleted
	it.FinishedAt = &now
	if err := b.saveItem(ctx, p.Key, it); err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, keyActive(p.Key), id)
	pipe.Del(ctx, keyLease(p.Key, id))
	pipe.LPush(ctx, keyCompleted(p.Key), id)
	if p.RemoveOnComplete > 0 {
		pipe.LTrim(ctx, keyCompleted(p.Key), 0, int64(p.RemoveOnComplete-1))
	}
	_, err = pipe.Exec(ctx)
	if err == nil && it.StartedAt != nil {
		obs.JobProcessingDuration.WithLabelValues(queueName).Observe(now.Sub(*it.StartedAt).Seconds())
		obs.JobsCompleted.WithLabelValues(queueName).Inc()
	}
	return err
}

// Fail releases an item's lease and either requeues it with backoff (if
// attempts remain) or terminates it as failed (spec.md §4.2).
func (b *Broker) Fail(ctx context.Context, queueName, id, reason string) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	it, err := b.loadItem(ctx, p.Key, id)
	if err != nil {
		return err
	}
	it.AttemptsMade++
	it.FailedReason = reason

	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, keyActive(p.Key), id)
	pipe.Del(ctx, keyLease(p.Key, id))

	if it.AttemptsMade < it.Attempts {
		bo := p.Backoff
		delay := backoffDelay(bo, it.AttemptsMade-1)
		it.DelayUntil = time.Now().Add(delay).UnixMilli()
		it.State = StateDelayed
		if err := b.saveItem(ctx, p.Key, it); err != nil {
			return err
		}
		pipe.ZAdd(ctx, keyDelayed(p.Key), redis.Z{Score: float64(it.DelayUntil), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		obs.JobsRetried.WithLabelValues(queueName).Inc()
		return nil
	}

	now := time.Now().UTC()
	it.State = StateFailed
	it.FinishedAt = &now
	if err := b.saveItem(ctx, p.Key, it); err != nil {
		return err
	}
	pipe.LPush(ctx, keyFailed(p.Key), id)
	if p.RemoveOnFail > 0 {
		pipe.LTrim(ctx, keyFailed(p.Key), 0, int64(p.RemoveOnFail-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	obs.JobsFailed.WithLabelValues(queueName).Inc()
	obs.JobsDeadLetter.WithLabelValues(queueName).Inc()
	return nil
}

// backoffDelay computes the nth retry delay per the configured policy.
// exponential: base * 2^n; fixed: base. Both capped at Max when Max > 0.
func backoffDelay(bo config.Backoff, n int) time.Duration {
	var d time.Duration
	switch bo.Kind {
	case "fixed":
		d = bo.Base
	default:
		d = time.Duration(float64(bo.Base) * math.Pow(2, float64(n)))
	}
	if bo.Max > 0 && d > bo.Max {
		d = bo.Max
	}
	return d
}

func (b *Broker) Pause(ctx context.Context, queueName string) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, keyPaused(p.Key), "1", 0).Err()
}

func (b *Broker) Resume(ctx context.Context, queueName string) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	return b.rdb.Del(ctx, keyPaused(p.Key)).Err()
}

// Obliterate deletes every key belonging to a queue. Destructive; intended
// for admin use only.
func (b *Broker) Obliterate(ctx context.Context, queueName string) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	keys := []string{
		keyWaiting(p.Key), keyDelayed(p.Key), keyActive(p.Key),
		keyCompleted(p.Key), keyFailed(p.Key), keyPaused(p.Key), keySeq(p.Key),
	}
	var cursor uint64
	pattern := p.Key + ":item:*"
	leasePattern := p.Key + ":lease:*"
	for _, pat := range []string{pattern, leasePattern} {
		for {
			var batch []string
			batch, cursor, err = b.rdb.Scan(ctx, cursor, pat, 200).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			if cursor == 0 {
				break
			}
		}
		cursor = 0
	}
	if len(keys) == 0 {
		return nil
	}
	return b.rdb.Del(ctx, keys...).Err()
}

func (b *Broker) Counts(ctx context.Context, queueName string) (Counts, error) {
	p, err := b.policy(queueName)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	waiting, err := b.rdb.ZCard(ctx, keyWaiting(p.Key)).Result()
	if err != nil {
		return c, err
	}
	active, err := b.rdb.SCard(ctx, keyActive(p.Key)).Result()
	if err != nil {
		return c, err
	}
	completed, err := b.rdb.LLen(ctx, keyCompleted(p.Key)).Result()
	if err != nil {
		return c, err
	}
	failed, err := b.rdb.LLen(ctx, keyFailed(p.Key)).Result()
	if err != nil {
		return c, err
	}
	delayed, err := b.rdb.ZCard(ctx, keyDelayed(p.Key)).Result()
	if err != nil {
		return c, err
	}
	paused, err := b.rdb.Exists(ctx, keyPaused(p.Key)).Result()
	if err != nil {
		return c, err
	}
	return Counts{Waiting: waiting, Active: active, Completed: completed, Failed: failed, Delayed: delayed, Paused: paused == 1}, nil
}

// List returns up to limit items in state, starting at offset. Ordering for
// waiting/delayed follows the broker's priority/time ordering; completed and
// failed follow most-recent-first; active has no defined order.
func (b *Broker) List(ctx context.Context, queueName string, state State, offset, limit int) ([]*Item, error) {
	p, err := b.policy(queueName)
	if err != nil {
		return nil, err
	}
	var ids []string
	stop := int64(offset + limit - 1)
	switch state {
	case StateWaiting:
		ids, err = b.rdb.ZRevRange(ctx, keyWaiting(p.Key), int64(offset), stop).Result()
	case StateDelayed:
		ids, err = b.rdb.ZRange(ctx, keyDelayed(p.Key), int64(offset), stop).Result()
	case StateCompleted:
		ids, err = b.rdb.LRange(ctx, keyCompleted(p.Key), int64(offset), stop).Result()
	case StateFailed:
		ids, err = b.rdb.LRange(ctx, keyFailed(p.Key), int64(offset), stop).Result()
	case StateActive:
		var all []string
		all, err = b.rdb.SMembers(ctx, keyActive(p.Key)).Result()
		if err == nil {
			lo, hi := offset, offset+limit
			if lo > len(all) {
				lo = len(all)
			}
			if hi > len(all) {
				hi = len(all)
			}
			ids = all[lo:hi]
		}
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		it, err := b.loadItem(ctx, p.Key, id)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func (b *Broker) Get(ctx context.Context, queueName, id string) (*Item, error) {
	p, err := b.policy(queueName)
	if err != nil {
		return nil, err
	}
	return b.loadItem(ctx, p.Key, id)
}

// Retry re-queues a terminal failed item as waiting. Used by the admin retry
// endpoint (spec.md §6).
func (b *Broker) Retry(ctx context.Context, queueName, id string) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	it, err := b.loadItem(ctx, p.Key, id)
	if err != nil {
		return err
	}
	if it.State != StateFailed {
		return fmt.Errorf("item %s is not in failed state", id)
	}
	seq, err := b.rdb.Incr(ctx, keySeq(p.Key)).Result()
	if err != nil {
		return err
	}
	it.State = StateWaiting
	it.FailedReason = ""
	it.FinishedAt = nil
	if err := b.saveItem(ctx, p.Key, it); err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, keyFailed(p.Key), 1, id)
	pipe.ZAdd(ctx, keyWaiting(p.Key), redis.Z{Score: waitingScore(it.Priority, seq), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes an item from whichever structure currently holds it.
func (b *Broker) Remove(ctx context.Context, queueName, id string) error {
	p, err := b.policy(queueName)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keyWaiting(p.Key), id)
	pipe.ZRem(ctx, keyDelayed(p.Key), id)
	pipe.SRem(ctx, keyActive(p.Key), id)
	pipe.LRem(ctx, keyCompleted(p.Key), 0, id)
	pipe.LRem(ctx, keyFailed(p.Key), 0, id)
	pipe.Del(ctx, keyLease(p.Key, id))
	pipe.Del(ctx, keyItem(p.Key, id))
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Broker) saveItem(ctx context.Context, key string, it *Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, keyItem(key, it.ID), raw, 0).Err()
}

func (b *Broker) loadItem(ctx context.Context, key, id string) (*Item, error) {
	raw, err := b.rdb.Get(ctx, keyItem(key, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// ReclaimStalled scans active items whose lease has expired and returns them
// to waiting with attempts_made incremented, capping recovery attempts at the
// queue's MaxStalledCount (spec.md §4.2, §9 — authoritative even though the
// original never referenced it). Intended to be called on a ticker.
func (b *Broker) ReclaimStalled(ctx context.Context, queueName string) (int, error) {
	p, err := b.policy(queueName)
	if err != nil {
		return 0, err
	}
	ids, err := b.rdb.SMembers(ctx, keyActive(p.Key)).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		exists, err := b.rdb.Exists(ctx, keyLease(p.Key, id)).Result()
		if err != nil || exists == 1 {
			continue
		}
		it, err := b.loadItem(ctx, p.Key, id)
		if err != nil {
			continue
		}
		it.StalledCount++
		maxStalled := p.MaxStalledCount
		if maxStalled <= 0 {
			maxStalled = 1
		}
		if it.StalledCount > maxStalled {
			now := time.Now().UTC()
			it.State = StateFailed
			it.FinishedAt = &now
			it.FailedReason = "stalled: lease expired beyond max_stalled_count"
			if err := b.saveItem(ctx, p.Key, it); err != nil {
				continue
			}
			pipe := b.rdb.TxPipeline()
			pipe.SRem(ctx, keyActive(p.Key), id)
			pipe.LPush(ctx, keyFailed(p.Key), id)
			if p.RemoveOnFail > 0 {
				pipe.LTrim(ctx, keyFailed(p.Key), 0, int64(p.RemoveOnFail-1))
			}
			if _, err := pipe.Exec(ctx); err == nil {
				recovered++
				obs.JobsFailed.WithLabelValues(queueName).Inc()
			}
			continue
		}
		it.AttemptsMade++
		it.State = StateWaiting
		it.StartedAt = nil
		if err := b.saveItem(ctx, p.Key, it); err != nil {
			continue
		}
		seq, _ := b.rdb.Incr(ctx, keySeq(p.Key)).Result()
		pipe := b.rdb.TxPipeline()
		pipe.SRem(ctx, keyActive(p.Key), id)
		pipe.ZAdd(ctx, keyWaiting(p.Key), redis.Z{Score: waitingScore(it.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err == nil {
			recovered++
			obs.StalledRecovered.WithLabelValues(queueName).Inc()
		}
	}
	return recovered, nil
}

// StartStalledReclaimer runs ReclaimStalled for every configured queue on a
// fixed tick until ctx is cancelled. Grounded on the teacher's reaper.go,
// folded into the broker since stall recovery is part of C2's own contract.
func (b *Broker) StartStalledReclaimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name := range b.cfg.Queues {
					if n, err := b.ReclaimStalled(ctx, name); err != nil {
						b.log.Warn("reclaim stalled failed", obs.String("queue", name), obs.Err(err))
					} else if n > 0 {
						b.log.Info("reclaimed stalled items", obs.String("queue", name), obs.Int("count", n))
					}
				}
			}
		}
	}()
}

// StartQueueLengthSampler polls each queue's waiting+delayed depth onto
// obs.QueueLength on a fixed tick. Grounded on the teacher's
// obs.StartQueueLengthUpdater, moved here because depth now depends on the
// broker's ZSET layout rather than a single Redis LIST.
func (b *Broker) StartQueueLengthSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name := range b.cfg.Queues {
					c, err := b.Counts(ctx, name)
					if err != nil {
						b.log.Debug("queue length poll error", obs.String("queue", name), obs.Err(err))
						continue
					}
					obs.QueueLength.WithLabelValues(name).Set(float64(c.Waiting + c.Delayed))
				}
			}
		}
	}()
}

// QueueNames returns the configured queue names sorted for deterministic iteration.
func (b *Broker) QueueNames() []string {
	names := make([]string, 0, len(b.cfg.Queues))
	for n := range b.cfg.Queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

