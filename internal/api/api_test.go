// Copyright 2025 James Ross
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/cache"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/handoff"
	"github.com/commoners1/sf-job-engine/internal/monitor"
	"github.com/commoners1/sf-job-engine/internal/queue"
	"github.com/commoners1/sf-job-engine/internal/storage"
)

type fakeCronState struct{ enabled map[string]bool }

func (f *fakeCronState) IsEnabled(ctx context.Context, jobType string) (bool, error) {
	return f.enabled[jobType], nil
}
func (f *fakeCronState) SetEnabled(ctx context.Context, jobType string, enabled bool) error {
	f.enabled[jobType] = enabled
	return nil
}

type fakeHandoffStore struct {
	entries []audit.Entry
}

func (f *fakeHandoffStore) FetchUndelivered(ctx context.Context, typeFilter *string, max int) ([]audit.Entry, error) {
	return f.entries, nil
}
func (f *fakeHandoffStore) MarkDelivered(ctx context.Context, ids []string) (int, error) {
	return len(ids), nil
}

type fakeAuditStore struct{}

func (fakeAuditStore) Query(ctx context.Context, filter storage.QueryFilter) ([]audit.Entry, int, error) {
	return nil, 0, nil
}
func (fakeAuditStore) Aggregations(ctx context.Context) (storage.Aggregations, error) {
	return storage.Aggregations{TopActions: []storage.NamedCount{{Name: "JOB_COMPLETED", Count: 3}}}, nil
}
func (fakeAuditStore) Export(ctx context.Context, filter storage.QueryFilter, format string, w *bytes.Buffer) error {
	w.WriteString("exported")
	return nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Queues: map[string]config.QueuePolicy{
		"salesforce": {Key: "jobqueue:salesforce", DefaultAttempts: 3, LeaseMS: 200, MaxStalledCount: 1,
			Backoff: config.Backoff{Kind: "fixed", Base: 10 * time.Millisecond, Max: time.Second}},
	}}
	log, _ := zap.NewDevelopment()
	b := queue.New(rdb, cfg, log)
	mon := monitor.New(b, config.Monitor{}, log)
	cron := &fakeCronState{enabled: map[string]bool{}}
	hand := handoff.New(&fakeHandoffStore{entries: []audit.Entry{{ID: "a"}}}, config.Handoff{})
	c := cache.New(time.Minute)
	jobs := []config.CronJob{{Type: "pledge", Expr: "*/2 * * * *", Queue: "salesforce", Attempts: 2, CRMBound: true}}
	return New(b, mon, cron, fakeAuditStore{}, nil, jobs, nil, hand, c, log)
}

func TestCronToggleRoundTrips(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	body, _ := json.Marshal(map[string]bool{"enabled": false})
	req := httptest.NewRequest(http.MethodPut, "/cron-jobs/pledge/toggle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/cron-jobs/states", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	var states map[string]bool
	if err := json.NewDecoder(rec2.Body).Decode(&states); err != nil {
		t.Fatal(err)
	}
	if states["pledge"] {
		t.Fatalf("expected pledge disabled after toggle, got %+v", states)
	}
}

func TestPledgeCronJobsFetch(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/v1/salesforce/pledge-cron-jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMarkDelivered(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	body, _ := json.Marshal(map[string][]string{"jobIds": {"a", "b"}})
	req := httptest.NewRequest(http.MethodPost, "/audit/mark-delivered", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["updated"] != 2 {
		t.Fatalf("expected 2 updated, got %+v", got)
	}
}

func TestCronSchedulesAndStatsUnavailable(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/cron-jobs/schedules", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// newTestHandler wires a nil CronRunner (no live Scheduler in this
	// process), so stats/run report unavailable instead of panicking.
	statsReq := httptest.NewRequest(http.MethodGet, "/cron-jobs/stats", nil)
	statsRec := httptest.NewRecorder()
	router.ServeHTTP(statsRec, statsReq)
	if statsRec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", statsRec.Code)
	}
}

func TestQueueJobsRequiresQueueParam(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/queue/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/queue/jobs?queue=salesforce&state=waiting", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestMonitorForceFlushUnavailable(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/queue/monitor/force-flush", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestQueueStats(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
