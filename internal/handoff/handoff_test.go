// Copyright 2025 James Ross
package handoff

import (
	"context"
	"testing"

	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/config"
)

type fakeStore struct {
	fetched    []audit.Entry
	fetchMax   int
	markIDs    []string
	markResult int
}

func (f *fakeStore) FetchUndelivered(ctx context.Context, typeFilter *string, max int) ([]audit.Entry, error) {
	f.fetchMax = max
	return f.fetched, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, ids []string) (int, error) {
	f.markIDs = ids
	return f.markResult, nil
}

func TestFetchDefaultsPageSize(t *testing.T) {
	store := &fakeStore{}
	h := New(store, config.Handoff{})
	if _, err := h.Fetch(context.Background(), nil, 0); err != nil {
		t.Fatal(err)
	}
	if store.fetchMax != 1000 {
		t.Fatalf("expected default page size 1000, got %d", store.fetchMax)
	}
}

func TestFetchClampsToMax(t *testing.T) {
	store := &fakeStore{}
	h := New(store, config.Handoff{MaxPageSize: 500})
	if _, err := h.Fetch(context.Background(), nil, 10000); err != nil {
		t.Fatal(err)
	}
	if store.fetchMax != 500 {
		t.Fatalf("expected clamp to 500, got %d", store.fetchMax)
	}
}

func TestMarkDeliveredRejectsTooManyIDs(t *testing.T) {
	store := &fakeStore{}
	h := New(store, config.Handoff{MaxMarkIDs: 2})
	_, err := h.MarkDelivered(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error for too many ids")
	}
}

func TestMarkDeliveredPassesThrough(t *testing.T) {
	store := &fakeStore{markResult: 2}
	h := New(store, config.Handoff{MaxMarkIDs: 10})
	n, err := h.MarkDelivered(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 updated, got %d", n)
	}
}
