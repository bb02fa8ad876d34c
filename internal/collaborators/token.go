// Copyright 2025 James Ross
package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/commoners1/sf-job-engine/internal/config"
)

// TokenProvider fetches and caches a CRM access token, refreshing it once
// the TTL elapses. Implements scheduler.TokenProvider.
type TokenProvider struct {
	baseURL string
	ttl     time.Duration
	http    *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenProvider(cfg config.CRM) *TokenProvider {
	ttl := cfg.TokenRefreshTTL
	if ttl <= 0 {
		ttl = 50 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenProvider{
		baseURL: cfg.BaseURL,
		ttl:     ttl,
		http:    &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Error   string `json:"error"`
}

// GetToken returns a cached token if still fresh, else fetches a new one.
func (p *TokenProvider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt) {
		return p.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/oauth/token", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token fetch: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if !tr.Success || tr.Token == "" {
		return "", fmt.Errorf("token fetch unsuccessful: %s", tr.Error)
	}

	p.token = tr.Token
	p.expiresAt = time.Now().Add(p.ttl)
	return p.token, nil
}
