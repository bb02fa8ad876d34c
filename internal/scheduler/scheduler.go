// Copyright 2025 James Ross
// Package scheduler is the Scheduler (C4): a robfig/cron/v3-driven runner
// of the four named jobs, each producing into the Queue Broker Adapter and
// the Job Store under one idempotency key per tick.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/obs"
	"github.com/commoners1/sf-job-engine/internal/queue"
)

// StateStore is the durable enable/disable flag per job type (spec.md §4.4:
// "survives restart").
type StateStore interface {
	IsEnabled(ctx context.Context, jobType string) (bool, error)
	SetEnabled(ctx context.Context, jobType string, enabled bool) error
}

// JobCreator is the Job Store surface the scheduler needs: one row per
// tick, keyed by idempotency_key, silently skipped on duplicate.
type JobCreator interface {
	CreateJob(ctx context.Context, idempotencyKey, jobType, queueName string, payload json.RawMessage) (bool, error)
}

// TokenProvider fetches a fresh CRM access token for CRM-bound job types.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
}

// Schedule is the static configuration of one registered cron job, as
// listed by Schedules. The API's GET /cron-jobs/schedules does not use it;
// that route serves the configured job list directly.
type Schedule struct {
	Type     string `json:"type"`
	Expr     string `json:"expr"`
	Queue    string `json:"queue"`
	Priority int    `json:"priority"`
	Attempts int    `json:"attempts"`
	CRMBound bool   `json:"crmBound"`
}

// Stats is the running tally of a job type's tick outcomes since process
// start, exposed via GET /cron-jobs/stats.
type Stats struct {
	Type       string     `json:"type"`
	Runs       int64      `json:"runs"`
	Errors     int64      `json:"errors"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	LastResult string     `json:"lastResult,omitempty"`
}

// Scheduler runs the four named cron jobs against the Queue Broker Adapter.
type Scheduler struct {
	cron   *cron.Cron
	broker *queue.Broker
	jobs   JobCreator
	state  StateStore
	token  TokenProvider
	auditW audit.Writer
	log    *zap.Logger
	cfg    []config.CronJob

	mu        sync.Mutex
	isRunning map[string]bool
	stats     map[string]*Stats
}

func New(cfg []config.CronJob, b *queue.Broker, jobs JobCreator, state StateStore, token TokenProvider, auditW audit.Writer, log *zap.Logger) *Scheduler {
	stats := make(map[string]*Stats, len(cfg))
	for _, job := range cfg {
		stats[job.Type] = &Stats{Type: job.Type}
	}
	return &Scheduler{
		cron:      cron.New(),
		broker:    b,
		jobs:      jobs,
		state:     state,
		token:     token,
		auditW:    auditW,
		log:       log,
		cfg:       cfg,
		isRunning: map[string]bool{},
		stats:     stats,
	}
}

// Schedules lists the static configuration of every registered job.
func (s *Scheduler) Schedules() []Schedule {
	out := make([]Schedule, 0, len(s.cfg))
	for _, job := range s.cfg {
		out = append(out, Schedule{
			Type: job.Type, Expr: job.Expr, Queue: job.Queue,
			Priority: job.Priority, Attempts: job.Attempts, CRMBound: job.CRMBound,
		})
	}
	return out
}

// Stats returns a point-in-time copy of every job type's tick tally.
func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.stats))
	for _, job := range s.cfg {
		if st, ok := s.stats[job.Type]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// RunNow triggers an out-of-cycle tick for jobType, skipping the cron
// schedule but still subject to the enable flag and overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, jobType string) error {
	for _, job := range s.cfg {
		if job.Type == jobType {
			s.tick(ctx, job)
			return nil
		}
	}
	return fmt.Errorf("unknown cron job type %q", jobType)
}

func (s *Scheduler) recordTick(jobType, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[jobType]
	if !ok {
		st = &Stats{Type: jobType}
		s.stats[jobType] = st
	}
	now := time.Now()
	st.Runs++
	if result != "success" && result != "duplicate_skip" {
		st.Errors++
	}
	st.LastRun = &now
	st.LastResult = result
}

// Start registers every configured job with the cron runner and begins
// ticking. Call Stop to drain.
func (s *Scheduler) Start() error {
	for _, job := range s.cfg {
		job := job
		if _, err := s.cron.AddFunc(job.Expr, func() { s.tick(context.Background(), job) }); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Type, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) tick(ctx context.Context, job config.CronJob) {
	enabled, err := s.state.IsEnabled(ctx, job.Type)
	if err != nil {
		s.log.Error("cron state lookup failed", obs.String("type", job.Type), obs.Err(err))
		obs.CronTick.WithLabelValues(job.Type, "state_error").Inc()
		s.recordTick(job.Type, "state_error")
		return
	}
	if !enabled {
		s.log.Debug("cron job disabled, skipping", obs.String("type", job.Type))
		return
	}

	if !s.acquire(job.Type) {
		s.log.Warn("cron job still running, skipping tick", obs.String("type", job.Type))
		obs.CronTick.WithLabelValues(job.Type, "overlap_skip").Inc()
		s.recordTick(job.Type, "overlap_skip")
		return
	}
	defer s.release(job.Type)

	var token string
	if job.CRMBound {
		token, err = s.token.GetToken(ctx)
		if err != nil {
			msg := err.Error()
			s.auditW.Append(audit.Entry{
				ID:            fmt.Sprintf("%s-%d", job.Type, time.Now().UnixMilli()),
				Action:        audit.ActionJobScheduled,
				Method:        "CRON",
				Endpoint:      job.Type,
				Type:          job.Type,
				StatusCode:    0,
				StatusMessage: &msg,
				IPAddress:     "system",
				IsDelivered:   true,
			})
			obs.CronTick.WithLabelValues(job.Type, "token_error").Inc()
			s.recordTick(job.Type, "token_error")
			return
		}
	}

	idempotencyKey := fmt.Sprintf("%s-%d", job.Type, time.Now().UnixMilli())
	payload, err := json.Marshal(map[string]any{
		"idempotency_key": idempotencyKey,
		"type":            job.Type,
		"token":           token,
	})
	if err != nil {
		s.log.Error("cron payload marshal failed", obs.String("type", job.Type), obs.Err(err))
		s.recordTick(job.Type, "marshal_error")
		return
	}

	created, err := s.jobs.CreateJob(ctx, idempotencyKey, job.Type, job.Queue, payload)
	if err != nil {
		s.log.Error("cron job store create failed", obs.String("type", job.Type), obs.Err(err))
		obs.CronTick.WithLabelValues(job.Type, "store_error").Inc()
		s.recordTick(job.Type, "store_error")
		return
	}
	if !created {
		s.log.Debug("cron job duplicate idempotency key, skipping enqueue", obs.String("type", job.Type), obs.String("key", idempotencyKey))
		obs.CronTick.WithLabelValues(job.Type, "duplicate_skip").Inc()
		s.recordTick(job.Type, "duplicate_skip")
		return
	}

	_, err = s.broker.Enqueue(ctx, job.Queue, job.Type, json.RawMessage(payload), queue.EnqueueOptions{
		Priority: job.Priority,
		DelayMS:  job.DelayMS,
		Attempts: job.Attempts,
	})
	if err != nil {
		s.log.Error("cron enqueue failed", obs.String("type", job.Type), obs.Err(err))
		obs.CronTick.WithLabelValues(job.Type, "enqueue_error").Inc()
		s.recordTick(job.Type, "enqueue_error")
		return
	}

	s.auditW.Append(audit.Entry{
		ID:          idempotencyKey,
		Action:      audit.ActionJobScheduled,
		Method:      "CRON",
		Endpoint:    job.Type,
		Type:        job.Type,
		StatusCode:  200,
		IPAddress:   "system",
		IsDelivered: !job.CRMBound,
	})
	obs.CronTick.WithLabelValues(job.Type, "success").Inc()
	s.recordTick(job.Type, "success")
}

func (s *Scheduler) acquire(jobType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning[jobType] {
		return false
	}
	s.isRunning[jobType] = true
	return true
}

func (s *Scheduler) release(jobType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.isRunning, jobType)
}
