// Copyright 2025 James Ross
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/breaker"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/jobupdate"
	"github.com/commoners1/sf-job-engine/internal/obs"
	"github.com/commoners1/sf-job-engine/internal/queue"
	"go.uber.org/zap"
)

// salesforceMaxAttempts is the handler-level retry ceiling spec.md §4.3.2
// fixes for the salesforce queue: the first failure yields exactly one
// retry. This is enforced here independently of the queue's own configured
// Attempts, which governs the broker's requeue-vs-terminate decision.
const salesforceMaxAttempts = 2

// CRMResponse is the envelope the CRM HTTP collaborator returns (spec.md §6).
type CRMResponse struct {
	HTTPCode  int
	Data      json.RawMessage
	ErrorFlag bool
	// TransportErr carries a non-HTTP failure (connection refused, timeout)
	// so the handler can categorize it per §4.3.1.
	TransportErr error
}

// CRMClient is the outbound CRM HTTP collaborator consumed by the handler.
type CRMClient interface {
	Call(ctx context.Context, endpoint string, payload json.RawMessage, token string) CRMResponse
}

// ErrorLogEntry mirrors the Error Log collaborator's logError() contract.
type ErrorLogEntry struct {
	Message     string
	Type        string
	Source      string
	Environment string
	StatusCode  int
	Metadata    map[string]any
}

// ErrorLogger is a best-effort collaborator; failures to log are swallowed.
type ErrorLogger interface {
	LogError(ctx context.Context, entry ErrorLogEntry)
}

// jobPayload is the shape a salesforce-bound item's payload takes (spec.md
// §4.3's handler contract). The broker never interprets Payload; the
// handler does.
type jobPayload struct {
	Endpoint         string          `json:"endpoint"`
	Payload          json.RawMessage `json:"payload"`
	Token            string          `json:"token"`
	Type             string          `json:"type"`
	ClientID         string          `json:"client_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	UserID           *string         `json:"user_id,omitempty"`
	APIKeyID         *string         `json:"api_key_id,omitempty"`
	SourceExternalID string          `json:"SourceExternalId,omitempty"`
	PledgeID         string          `json:"PledgeId,omitempty"`
	ExternalID       string          `json:"ExternalId,omitempty"`
	TransactionDetails struct {
		SourceExternalID string `json:"SourceExternalId,omitempty"`
	} `json:"TransactionDetails,omitempty"`
}

type crmResultItem struct {
	Success bool   `json:"Success"`
	OrderId string `json:"OrderId"`
	Id      string `json:"Id"`
	Message string `json:"Message"`
}

// crmResultVariant is the named union spec.md §9 describes: a successful
// CRM response's "data" may arrive as a bare array, an object wrapping a
// "data" array, or a single result object. Exactly one variant matches any
// given payload.
type crmResultVariant interface{ crmResultVariant() }

type crmArrayVariant []crmResultItem

func (crmArrayVariant) crmResultVariant() {}

type crmWrappedVariant struct {
	Data []crmResultItem `json:"data"`
}

func (crmWrappedVariant) crmResultVariant() {}

type crmObjectVariant crmResultItem

func (crmObjectVariant) crmResultVariant() {}

// parseCRMResultVariant matches data against each known shape in turn,
// returning the first that decodes validly, or nil if none do.
func parseCRMResultVariant(data json.RawMessage) crmResultVariant {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '[':
		var arr crmArrayVariant
		if json.Unmarshal(trimmed, &arr) == nil {
			return arr
		}
	case '{':
		var wrapped crmWrappedVariant
		if json.Unmarshal(trimmed, &wrapped) == nil && wrapped.Data != nil {
			return wrapped
		}
		var obj crmObjectVariant
		if json.Unmarshal(trimmed, &obj) == nil && hasCRMResultFields(trimmed) {
			return obj
		}
	}
	return nil
}

// hasCRMResultFields guards against an empty or unrelated JSON object
// matching the single-object variant.
func hasCRMResultFields(data []byte) bool {
	var probe map[string]json.RawMessage
	if json.Unmarshal(data, &probe) != nil {
		return false
	}
	for _, key := range []string{"Success", "OrderId", "Id", "Message"} {
		if _, ok := probe[key]; ok {
			return true
		}
	}
	return false
}

// normalizeCRMResults is the single normalisation function spec.md §9
// requires: it reduces whichever crmResultVariant the CRM sent to a flat
// slice, so callers never branch on wire shape themselves.
func normalizeCRMResults(data json.RawMessage) []crmResultItem {
	switch v := parseCRMResultVariant(data).(type) {
	case crmArrayVariant:
		return []crmResultItem(v)
	case crmWrappedVariant:
		return v.Data
	case crmObjectVariant:
		return []crmResultItem{crmResultItem(v)}
	default:
		return nil
	}
}

// errorCategory classifies a CRM call failure per spec.md §4.3.1.
type errorCategory string

const (
	categoryAuth       errorCategory = "AUTH"
	categoryAuthz      errorCategory = "AUTHZ"
	categoryRateLimit  errorCategory = "RATE_LIMIT"
	categoryServer     errorCategory = "SERVER"
	categoryConnection errorCategory = "CONNECTION"
	categoryTimeout    errorCategory = "TIMEOUT"
	categoryUnknown    errorCategory = "UNKNOWN"
)

func categorize(resp CRMResponse) errorCategory {
	if resp.TransportErr != nil {
		switch {
		case isConnRefused(resp.TransportErr):
			return categoryConnection
		case isTimeout(resp.TransportErr):
			return categoryTimeout
		default:
			return categoryUnknown
		}
	}
	switch resp.HTTPCode {
	case 401:
		return categoryAuth
	case 403:
		return categoryAuthz
	case 429:
		return categoryRateLimit
	}
	if resp.HTTPCode >= 500 {
		return categoryServer
	}
	return categoryUnknown
}

func isRetryable(cat errorCategory) bool {
	switch cat {
	case categoryServer, categoryConnection, categoryRateLimit, categoryTimeout:
		return true
	default:
		return false
	}
}

func severityFor(cat errorCategory) string {
	switch cat {
	case categoryServer, categoryConnection:
		return "critical"
	case categoryAuth, categoryAuthz:
		return "error"
	default:
		return "warning"
	}
}

// CRMHandler implements the salesforce handler contract (spec.md §4.3,
// steps 1-6). Registered per queue; other queues may use a simpler Handler.
// Every Job Store transition is requested through Updates (the Batched
// Audit Writer, C5); the handler never writes the Job Store directly.
type CRMHandler struct {
	Updates   jobupdate.Writer
	Audit     audit.Writer
	CRM       CRMClient
	ErrorLog  ErrorLogger
	QueueName string
}

// Handle runs the six-step contract against one reserved item.
func (h *CRMHandler) Handle(ctx context.Context, it *queue.Item) error {
	var jp jobPayload
	if err := json.Unmarshal(it.Payload, &jp); err != nil {
		return fmt.Errorf("malformed job payload: %w", err)
	}

	h.Audit.Append(audit.Entry{
		ID:        it.ID,
		Action:    audit.ActionJobStarted,
		Method:    "POST",
		Endpoint:  jp.Endpoint,
		Type:      jp.Type,
		UserID:    jp.UserID,
		APIKeyID:  jp.APIKeyID,
		IPAddress: "system",
		CreatedAt: time.Now().UTC(),
	})

	h.Updates.AppendJobUpdate(jobupdate.Update{IdempotencyKey: jp.IdempotencyKey, Status: jobupdate.StatusProcessing})

	start := time.Now()
	resp := h.CRM.Call(ctx, jp.Endpoint, jp.Payload, jp.Token)
	duration := time.Since(start)
	processingMS := duration.Milliseconds()

	if resp.TransportErr != nil || resp.ErrorFlag || resp.HTTPCode >= 400 {
		cat := categorize(resp)
		retryable := isRetryable(cat) && it.AttemptsMade+1 < salesforceMaxAttempts
		msg := failureMessage(resp, cat)

		if !retryable {
			h.Audit.Append(audit.Entry{
				ID:         it.ID,
				Action:     audit.ActionJobFailed,
				Method:     "POST",
				Endpoint:   jp.Endpoint,
				Type:       jp.Type,
				StatusCode: resp.HTTPCode,
				IPAddress:  "system",
				DurationMS: duration.Milliseconds(),
				CreatedAt:  time.Now().UTC(),
			})
			h.Updates.AppendJobUpdate(jobupdate.Update{
				IdempotencyKey: jp.IdempotencyKey,
				Status:         jobupdate.StatusFailed,
				ErrorMessage:   &msg,
				ProcessingMS:   &processingMS,
			})
			h.ErrorLog.LogError(ctx, ErrorLogEntry{
				Message:    msg,
				Type:       severityFor(cat),
				Source:     "worker." + h.QueueName,
				StatusCode: resp.HTTPCode,
				Metadata:   map[string]any{"errorType": string(cat), "idempotency_key": jp.IdempotencyKey},
			})
		}
		return fmt.Errorf("%s", msg)
	}

	for _, item := range normalizeCRMResults(resp.Data) {
		refID := resolveReferenceID(item, jp)
		msg := item.Message
		h.Audit.Append(audit.Entry{
			ID:            fmt.Sprintf("%s-%s", it.ID, refID),
			Action:        audit.ActionCronJob,
			Method:        "POST",
			Endpoint:      jp.Endpoint,
			Type:          jp.Type,
			ReferenceID:   refID,
			ExternalID:    jp.ExternalID,
			StatusCode:    resp.HTTPCode,
			StatusMessage: &msg,
			IPAddress:     "system",
			DurationMS:    duration.Milliseconds(),
			IsDelivered:   false,
			CreatedAt:     time.Now().UTC(),
		})
	}

	h.Updates.AppendJobUpdate(jobupdate.Update{
		IdempotencyKey: jp.IdempotencyKey,
		Status:         jobupdate.StatusCompleted,
		Result:         resp.Data,
		ProcessingMS:   &processingMS,
	})
	h.Audit.Append(audit.Entry{
		ID:         it.ID,
		Action:     audit.ActionJobCompleted,
		Method:     "POST",
		Endpoint:   jp.Endpoint,
		Type:       jp.Type,
		StatusCode: resp.HTTPCode,
		IPAddress:  "system",
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func failureMessage(resp CRMResponse, cat errorCategory) string {
	if resp.TransportErr != nil {
		return fmt.Sprintf("%s: %v", cat, resp.TransportErr)
	}
	return fmt.Sprintf("%s: CRM call failed with http_code=%d", cat, resp.HTTPCode)
}

// resolveReferenceID implements the §4.3 preference order: response
// OrderId -> payload SourceExternalId -> payload PledgeId -> payload
// TransactionDetails.SourceExternalId.
func resolveReferenceID(item crmResultItem, jp jobPayload) string {
	if item.OrderId != "" {
		return item.OrderId
	}
	if jp.SourceExternalID != "" {
		return jp.SourceExternalID
	}
	if jp.PledgeID != "" {
		return jp.PledgeID
	}
	return jp.TransactionDetails.SourceExternalID
}

// Handler processes one reserved item. An error means the item should be
// retried or terminated per the broker's own attempt bookkeeping; a nil
// error completes it.
type Handler interface {
	Handle(ctx context.Context, it *queue.Item) error
}

// Pool is the Worker Pool (C3): a configurable-concurrency reserve-process
// loop per named queue, gated by a per-queue circuit breaker around the
// handler's outbound call.
type Pool struct {
	cfg      *config.Config
	broker   *queue.Broker
	log      *zap.Logger
	handlers map[string]Handler
	breakers map[string]*breaker.CircuitBreaker
	draining atomic.Bool
	baseID   string
}

func New(cfg *config.Config, b *queue.Broker, log *zap.Logger, handlers map[string]Handler) *Pool {
	breakers := make(map[string]*breaker.CircuitBreaker, len(cfg.Queues))
	for name := range cfg.Queues {
		breakers[name] = breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
			cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	}
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Pool{cfg: cfg, broker: b, log: log, handlers: handlers, breakers: breakers, baseID: base}
}

// Run starts the configured concurrency for every queue and blocks until ctx
// is cancelled and in-flight handlers finish (or DrainGrace elapses).
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name := range p.cfg.Queues {
		n := p.cfg.Worker.Concurrency[name]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%s-%d", p.baseID, name, i)
			go func(queueName string, workerID string) {
				defer wg.Done()
				obs.WorkerActive.WithLabelValues(queueName).Inc()
				defer obs.WorkerActive.WithLabelValues(queueName).Dec()
				p.runLoop(ctx, queueName, workerID)
			}(name, workerID)
		}
	}

	go p.reportBreakerState(ctx)

	<-ctx.Done()
	p.draining.Store(true)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(p.cfg.Worker.DrainGrace):
		p.log.Warn("drain grace elapsed, in-flight handlers abandoned")
	}
	return nil
}

func (p *Pool) runLoop(ctx context.Context, queueName, workerID string) {
	for ctx.Err() == nil {
		if p.draining.Load() {
			return
		}
		cb := p.breakers[queueName]
		if cb != nil && !cb.Allow() {
			time.Sleep(p.cfg.Worker.BreakerPause)
			continue
		}

		it, err := p.broker.Reserve(ctx, queueName, workerID, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("reserve error", obs.String("queue", queueName), obs.Err(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if it == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		spanCtx, span := obs.ContextWithJobSpan(ctx, it)
		obs.AddSpanAttributes(spanCtx, obs.KeyValue("worker.id", workerID))

		handler := p.handlers[queueName]
		var handleErr error
		if handler == nil {
			handleErr = fmt.Errorf("no handler registered for queue %q", queueName)
		} else {
			handleErr = handler.Handle(spanCtx, it)
		}

		if handleErr != nil {
			obs.RecordError(spanCtx, handleErr)
			if cb != nil {
				cb.Record(false)
				if cb.State() == breaker.Open {
					obs.CircuitBreakerTrips.WithLabelValues(queueName).Inc()
				}
			}
			if err := p.broker.Fail(ctx, queueName, it.ID, handleErr.Error()); err != nil {
				p.log.Error("fail item error", obs.String("queue", queueName), obs.Err(err))
			}
		} else {
			obs.SetSpanSuccess(spanCtx)
			if cb != nil {
				cb.Record(true)
			}
			if err := p.broker.Complete(ctx, queueName, it.ID, nil); err != nil {
				p.log.Error("complete item error", obs.String("queue", queueName), obs.Err(err))
			}
		}
		span.End()
	}
}

func (p *Pool) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, cb := range p.breakers {
				switch cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.WithLabelValues(name).Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.WithLabelValues(name).Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.WithLabelValues(name).Set(2)
				}
			}
		}
	}
}
