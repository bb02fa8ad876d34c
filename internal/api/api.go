// Copyright 2025 James Ross
// Package api is the HTTP surface the core exposes (spec.md §6): queue
// admin, monitor, cron control, and delivery handoff endpoints, routed with
// gorilla/mux. Grounded on internal/dlq-remediation-pipeline/handlers.go's
// RegisterRoutes + writeJSON/writeError shape.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/admin"
	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/cache"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/handoff"
	"github.com/commoners1/sf-job-engine/internal/monitor"
	"github.com/commoners1/sf-job-engine/internal/queue"
	"github.com/commoners1/sf-job-engine/internal/scheduler"
	"github.com/commoners1/sf-job-engine/internal/storage"
)

const monitorCacheTTL = 10 * time.Second

// CronState is the toggle/introspection surface cron control needs.
type CronState interface {
	IsEnabled(ctx context.Context, jobType string) (bool, error)
	SetEnabled(ctx context.Context, jobType string, enabled bool) error
}

// AuditStore is the Audit Log query surface the admin endpoints expose.
type AuditStore interface {
	Query(ctx context.Context, filter storage.QueryFilter) ([]audit.Entry, int, error)
	Aggregations(ctx context.Context) (storage.Aggregations, error)
	Export(ctx context.Context, filter storage.QueryFilter, format string, w *bytes.Buffer) error
}

// Flusher lets POST /queue/monitor/force-flush request an out-of-cycle
// Batched Audit Writer flush instead of waiting on its ticker.
type Flusher interface {
	FlushNow()
}

// CronRunner is the live Scheduler surface GET /cron-jobs/stats and
// POST /cron-jobs/:type/run expose. Left nil when the API runs in a process
// without a Scheduler instance (role=api on its own): those two routes then
// report unavailable rather than panicking.
type CronRunner interface {
	Stats() []scheduler.Stats
	RunNow(ctx context.Context, jobType string) error
}

// Handler wires the HTTP surface to the broker, monitor, scheduler state,
// audit log, and delivery handoff.
type Handler struct {
	broker   *queue.Broker
	mon      *monitor.Monitor
	cron     CronState
	auditDB  AuditStore
	flush    Flusher
	cronJobs []config.CronJob
	cronRun  CronRunner
	hand     *handoff.Handoff
	cache    *cache.Cache
	log      *zap.Logger
}

func New(broker *queue.Broker, mon *monitor.Monitor, cron CronState, auditDB AuditStore, flush Flusher, cronJobs []config.CronJob, cronRun CronRunner, hand *handoff.Handoff, c *cache.Cache, log *zap.Logger) *Handler {
	return &Handler{
		broker: broker, mon: mon, cron: cron, auditDB: auditDB,
		flush: flush, cronJobs: cronJobs, cronRun: cronRun,
		hand: hand, cache: c, log: log,
	}
}

// RegisterRoutes attaches every spec.md §6 "exposes" endpoint to router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/queue/jobs/{id}/retry", h.retryJob).Methods("POST")
	router.HandleFunc("/queue/jobs/{id}", h.removeJob).Methods("DELETE")
	router.HandleFunc("/queue/queues/{name}/pause", h.pauseQueue).Methods("POST")
	router.HandleFunc("/queue/queues/{name}/resume", h.resumeQueue).Methods("POST")
	router.HandleFunc("/queue/queues/{name}/clear", h.clearQueue).Methods("POST")
	router.HandleFunc("/queue/stats", h.queueStats).Methods("GET")
	router.HandleFunc("/queue/counts", h.queueStats).Methods("GET")
	router.HandleFunc("/queue/export", h.exportAudit).Methods("POST")
	router.HandleFunc("/queue/performance", h.auditAggregations).Methods("GET")

	router.HandleFunc("/queue/jobs", h.listJobs).Methods("GET")
	router.HandleFunc("/queue/jobs/{id}", h.getJob).Methods("GET")

	router.HandleFunc("/queue/monitor/health", h.monitorHealth).Methods("GET")
	router.HandleFunc("/queue/monitor/metrics", h.monitorLatest).Methods("GET")
	router.HandleFunc("/queue/monitor/detailed", h.monitorDetailed).Methods("GET")
	router.HandleFunc("/queue/monitor/alerts", h.monitorAlerts).Methods("GET")
	router.HandleFunc("/queue/monitor/force-flush", h.monitorForceFlush).Methods("POST")

	router.HandleFunc("/cron-jobs", h.cronList).Methods("GET")
	router.HandleFunc("/cron-jobs/stats", h.cronStats).Methods("GET")
	router.HandleFunc("/cron-jobs/schedules", h.cronSchedules).Methods("GET")
	router.HandleFunc("/cron-jobs/states", h.cronStates).Methods("GET")
	router.HandleFunc("/cron-jobs/{type}/toggle", h.cronToggle).Methods("PUT")
	router.HandleFunc("/cron-jobs/{type}/run", h.cronRunNow).Methods("POST")

	router.HandleFunc("/v1/{crm}/pledge-cron-jobs", h.pledgeCronJobs(jobTypePledge)).Methods("GET")
	router.HandleFunc("/v1/{crm}/oneoff-cron-jobs", h.pledgeCronJobs(jobTypeOneoff)).Methods("GET")
	router.HandleFunc("/audit/mark-delivered", h.markDelivered).Methods("POST")
}

const (
	jobTypePledge = "pledge"
	jobTypeOneoff = "oneoff"
)

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("write json response failed", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	h.log.Error(message, zap.Error(err), zap.Int("status", status))
	h.writeJSON(w, status, map[string]any{"error": message, "status": status, "timestamp": time.Now()})
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	queueName := r.URL.Query().Get("queue")
	if err := admin.Retry(r.Context(), h.broker, queueName, id); err != nil {
		h.writeError(w, http.StatusBadRequest, "retry failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
}

func (h *Handler) removeJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	queueName := r.URL.Query().Get("queue")
	if err := admin.Remove(r.Context(), h.broker, queueName, id); err != nil {
		h.writeError(w, http.StatusBadRequest, "remove failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := admin.Pause(r.Context(), h.broker, name); err != nil {
		h.writeError(w, http.StatusBadRequest, "pause failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := admin.Resume(r.Context(), h.broker, name); err != nil {
		h.writeError(w, http.StatusBadRequest, "resume failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	n, err := admin.PurgeDLQ(r.Context(), h.broker, name)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "clear failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	res, err := admin.Stats(r.Context(), h.broker)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "stats failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) auditAggregations(w http.ResponseWriter, r *http.Request) {
	key := cache.Key("audit", "aggregations", nil)
	agg, err := h.cache.GetOrLoad(r.Context(), key, monitorCacheTTL, func(ctx context.Context) (any, error) {
		return h.auditDB.Aggregations(ctx)
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "aggregations failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, agg)
}

func (h *Handler) exportAudit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body", err)
		return
	}
	var buf bytes.Buffer
	if err := h.auditDB.Export(r.Context(), storage.QueryFilter{}, body.Format, &buf); err != nil {
		h.writeError(w, http.StatusBadRequest, "export failed", err)
		return
	}
	switch body.Format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Write(buf.Bytes())
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	queueName := q.Get("queue")
	if queueName == "" {
		h.writeError(w, http.StatusBadRequest, "queue is required", nil)
		return
	}
	state := queue.State(q.Get("state"))
	if state == "" {
		state = queue.StateWaiting
	}
	offset, limit := 0, 50
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	items, err := h.broker.List(r.Context(), queueName, state, offset, limit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "list jobs failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		h.writeError(w, http.StatusBadRequest, "queue is required", nil)
		return
	}
	item, err := h.broker.Get(r.Context(), queueName, id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "job not found", err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

func (h *Handler) monitorHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.mon.Latest()
	status := "healthy"
	if snap.ErrorRate > 0.05 {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": status, "snapshot": snap})
}

func (h *Handler) monitorLatest(w http.ResponseWriter, r *http.Request) {
	key := cache.Key("monitor", "latest", nil)
	snap, err := h.cache.GetOrLoad(r.Context(), key, monitorCacheTTL, func(ctx context.Context) (any, error) {
		return h.mon.Latest(), nil
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "monitor snapshot failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) monitorDetailed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.mon.Detailed())
}

func (h *Handler) monitorAlerts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": h.mon.Alerts()})
}

func (h *Handler) monitorForceFlush(w http.ResponseWriter, r *http.Request) {
	if h.flush == nil {
		h.writeError(w, http.StatusServiceUnavailable, "flush unavailable in this process", nil)
		return
	}
	h.flush.FlushNow()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "flush requested"})
}

func (h *Handler) cronList(w http.ResponseWriter, r *http.Request) {
	types := make([]string, 0, len(h.cronJobs))
	for _, j := range h.cronJobs {
		types = append(types, j.Type)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

func (h *Handler) cronSchedules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"schedules": h.cronJobs})
}

func (h *Handler) cronStats(w http.ResponseWriter, r *http.Request) {
	if h.cronRun == nil {
		h.writeError(w, http.StatusServiceUnavailable, "cron stats unavailable in this process", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"stats": h.cronRun.Stats()})
}

func (h *Handler) cronRunNow(w http.ResponseWriter, r *http.Request) {
	if h.cronRun == nil {
		h.writeError(w, http.StatusServiceUnavailable, "cron run unavailable in this process", nil)
		return
	}
	jobType := mux.Vars(r)["type"]
	if err := h.cronRun.RunNow(r.Context(), jobType); err != nil {
		h.writeError(w, http.StatusBadRequest, "run failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"type": jobType, "status": "triggered"})
}

func (h *Handler) cronStates(w http.ResponseWriter, r *http.Request) {
	types := []string{"pledge", "oneoff", "recurring", "hourly"}
	states := map[string]bool{}
	for _, t := range types {
		enabled, err := h.cron.IsEnabled(r.Context(), t)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "cron state lookup failed", err)
			return
		}
		states[t] = enabled
	}
	h.writeJSON(w, http.StatusOK, states)
}

func (h *Handler) cronToggle(w http.ResponseWriter, r *http.Request) {
	jobType := mux.Vars(r)["type"]
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body", err)
		return
	}
	if err := h.cron.SetEnabled(r.Context(), jobType, body.Enabled); err != nil {
		h.writeError(w, http.StatusInternalServerError, "toggle failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"type": jobType, "enabled": body.Enabled})
}

// pledgeCronJobs is the fetch half of spec.md §4.8's two-step handoff:
// fetching never marks rows delivered on its own, so a crashed consumer
// re-fetches the same undelivered rows on its next poll instead of losing
// them. Callers must follow up with POST /audit/mark-delivered once the
// returned jobs are durably handed off on their side.
func (h *Handler) pledgeCronJobs(jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxStr := r.URL.Query().Get("max")
		max := 0
		if maxStr != "" {
			if n, err := strconv.Atoi(maxStr); err == nil {
				max = n
			}
		}
		jt := jobType
		entries, err := h.hand.Fetch(r.Context(), &jt, max)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "fetch failed", err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
	}
}

func (h *Handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobIDs []string `json:"jobIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body", err)
		return
	}
	n, err := h.hand.MarkDelivered(r.Context(), body.JobIDs)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "mark delivered failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}
