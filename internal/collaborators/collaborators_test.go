// Copyright 2025 James Ross
package collaborators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/commoners1/sf-job-engine/internal/config"
)

func TestCRMClientSurfacesNon2xxAsErrorFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := NewCRMClient(config.CRM{BaseURL: srv.URL, Timeout: time.Second})
	resp := c.Call(context.Background(), "/core/pledge/v2.0/", json.RawMessage("null"), "tok")
	if !resp.ErrorFlag || resp.HTTPCode != 503 {
		t.Fatalf("expected error flag with 503, got %+v", resp)
	}
}

func TestCRMClientHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token forwarded, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"data":[{"Success":true,"OrderId":"O1"}]}`))
	}))
	defer srv.Close()

	c := NewCRMClient(config.CRM{BaseURL: srv.URL, Timeout: time.Second})
	resp := c.Call(context.Background(), "/core/pledge/v2.0/", json.RawMessage("null"), "tok")
	if resp.ErrorFlag || resp.HTTPCode != 200 {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestTokenProviderCachesUntilTTL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(tokenResponse{Success: true, Token: "T1"})
	}))
	defer srv.Close()

	p := NewTokenProvider(config.CRM{BaseURL: srv.URL, TokenRefreshTTL: time.Hour, Timeout: time.Second})
	tok1, err := p.GetToken(context.Background())
	if err != nil || tok1 != "T1" {
		t.Fatalf("unexpected token fetch result: %v %v", tok1, err)
	}
	tok2, err := p.GetToken(context.Background())
	if err != nil || tok2 != "T1" {
		t.Fatalf("unexpected cached token result: %v %v", tok2, err)
	}
	if calls != 1 {
		t.Fatalf("expected single token fetch while cached, got %d calls", calls)
	}
}

func TestTokenProviderSurfacesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{Success: false, Error: "invalid client"})
	}))
	defer srv.Close()

	p := NewTokenProvider(config.CRM{BaseURL: srv.URL, Timeout: time.Second})
	_, err := p.GetToken(context.Background())
	if err == nil {
		t.Fatal("expected unsuccessful token response to return an error")
	}
}

func TestSettingsSnapshotDefaultsBeforeFirstRefresh(t *testing.T) {
	s := NewSettingsSnapshot("http://unused.invalid", time.Hour)
	got := s.current
	if !got.EnableAuditLog {
		t.Fatal("expected default settings to enable audit log")
	}
}
