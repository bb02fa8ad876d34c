// Copyright 2025 James Ross
// Package collaborators implements the default CRM HTTP client, token
// provider, settings snapshot, and error log collaborators the core
// consumes (spec.md §6). Grounded on internal/event-hooks/webhook.go's
// net/http.Client-with-timeout shape; no HTTP client library appears
// anywhere in the example pack for outbound calls, so plain net/http is
// used here directly rather than substituted.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/worker"
)

// CRMClient calls the CRM's HTTP surface. Implements worker.CRMClient.
type CRMClient struct {
	baseURL string
	http    *http.Client
}

func NewCRMClient(cfg config.CRM) *CRMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CRMClient{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Call implements worker.CRMClient. All non-2xx responses are surfaced with
// ErrorFlag=true; transport failures populate TransportErr for the
// handler's categorize step to inspect.
func (c *CRMClient) Call(ctx context.Context, endpoint string, payload json.RawMessage, token string) worker.CRMResponse {
	url := c.baseURL + endpoint
	var body io.Reader
	if len(payload) > 0 && string(payload) != "null" {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return worker.CRMResponse{TransportErr: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return worker.CRMResponse{TransportErr: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return worker.CRMResponse{TransportErr: err}
	}

	return worker.CRMResponse{
		HTTPCode:  resp.StatusCode,
		Data:      data,
		ErrorFlag: resp.StatusCode < 200 || resp.StatusCode > 299,
	}
}
