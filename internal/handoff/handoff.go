// Copyright 2025 James Ross
// Package handoff is the Delivery Handoff (C8): a thin wrapper exposing the
// Audit Log's undelivered CRON_JOB entries to external CRM-side consumers
// through a fetch/mark-delivered pair, grounded directly on
// internal/storage's CAS update (spec.md §4.8).
package handoff

import (
	"context"
	"fmt"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/obs"
)

// Store is the narrow Audit Log surface the handoff needs.
type Store interface {
	FetchUndelivered(ctx context.Context, typeFilter *string, max int) ([]audit.Entry, error)
	MarkDelivered(ctx context.Context, ids []string) (int, error)
}

// Handoff mediates fetch/mark-delivered requests against the Audit Log.
type Handoff struct {
	store Store
	cfg   config.Handoff
}

func New(store Store, cfg config.Handoff) *Handoff {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 1000
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 10000
	}
	if cfg.MaxMarkIDs <= 0 {
		cfg.MaxMarkIDs = 1000
	}
	return &Handoff{store: store, cfg: cfg}
}

// Fetch returns the earliest-first page of undelivered CRON_JOB entries,
// optionally filtered by type. max is clamped to [1, MaxPageSize],
// defaulting to DefaultPageSize when 0.
func (h *Handoff) Fetch(ctx context.Context, typeFilter *string, max int) ([]audit.Entry, error) {
	if max <= 0 {
		max = h.cfg.DefaultPageSize
	}
	if max > h.cfg.MaxPageSize {
		max = h.cfg.MaxPageSize
	}
	return h.store.FetchUndelivered(ctx, typeFilter, max)
}

// MarkDelivered flips is_delivered false->true for up to MaxMarkIDs ids and
// reports how many rows actually transitioned.
func (h *Handoff) MarkDelivered(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if len(ids) > h.cfg.MaxMarkIDs {
		return 0, fmt.Errorf("too many ids: got %d, max %d", len(ids), h.cfg.MaxMarkIDs)
	}
	n, err := h.store.MarkDelivered(ctx, ids)
	if err == nil {
		obs.DeliveryMarked.Add(float64(n))
	}
	return n, err
}
