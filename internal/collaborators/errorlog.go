// Copyright 2025 James Ross
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/obs"
	"github.com/commoners1/sf-job-engine/internal/worker"
)

// ErrorLog posts error entries to the CRM's error-logging endpoint,
// best-effort. Implements worker.ErrorLogger: failures never propagate to
// the worker, only to the local logger.
type ErrorLog struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewErrorLog(baseURL string, log *zap.Logger) *ErrorLog {
	return &ErrorLog{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// LogError implements worker.ErrorLogger.
func (e *ErrorLog) LogError(ctx context.Context, entry worker.ErrorLogEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		e.log.Warn("error log marshal failed", obs.Err(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/errors", bytes.NewReader(body))
	if err != nil {
		e.log.Warn("error log request build failed", obs.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		e.log.Warn("error log delivery failed", obs.Err(err))
		return
	}
	resp.Body.Close()
}
