// Copyright 2025 James Ross
package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Queues) != 3 {
		t.Fatalf("expected 3 default queues, got %d", len(cfg.Queues))
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.AuditWriter.BatchSize != 100 {
		t.Fatalf("expected default audit batch size 100, got %d", cfg.AuditWriter.BatchSize)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queues = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty queues")
	}

	cfg = defaultConfig()
	cfg.AuditWriter.BatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for audit_writer.batch_size < 1")
	}

	cfg = defaultConfig()
	cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, CronJob{Type: "bogus", Queue: "does-not-exist"})
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for scheduler job referencing unknown queue")
	}

	cfg = defaultConfig()
	cfg.Handoff.MaxMarkIDs = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for handoff.max_mark_ids out of range")
	}
}

func TestValidatePasses(t *testing.T) {
	cfg := defaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
