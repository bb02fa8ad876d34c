// Copyright 2025 James Ross
// Package storage is the Job Store (C1) and Audit Log (C6) backing store:
// a plain database/sql + lib/pq layer against Postgres, schema embedded
// with embed.FS so the binary carries its own migration.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/jobupdate"
	_ "github.com/lib/pq"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Job status values (spec.md §3).
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one row of the Job Store (C1).
type Job struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	CRMResponse    json.RawMessage `json:"crm_response,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ProcessingMS   *int64          `json:"processing_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DB wraps the Postgres connection pool shared by the Job Store and Audit Log.
type DB struct {
	sql *sql.DB
}

// Open connects to Postgres and applies pool settings from config.
func Open(cfg config.Postgres) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &DB{sql: db}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// Migrate applies the embedded schema. Idempotent: every statement is
// guarded by IF NOT EXISTS (CREATE ... IF NOT EXISTS or ADD COLUMN IF NOT
// EXISTS).
func (d *DB) Migrate(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile("schema/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := d.sql.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply schema %s: %w", e.Name(), err)
		}
	}
	return nil
}

// CreateJob inserts a new Job Store row, rejecting duplicates by
// idempotency_key. Returns created=false (no error) on a duplicate.
func (d *DB) CreateJob(ctx context.Context, idempotencyKey, jobType, queueName string, payload json.RawMessage) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO jobs (idempotency_key, type, queue, payload, status)
		VALUES ($1, $2, $3, $4, 'queued')
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, jobType, queueName, payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateJobs applies a batch of JobUpdate records (spec.md §4.5) in a single
// transaction: one UPDATE per record, matched by idempotency_key. A
// "processing" update only flips status; "completed"/"failed" are terminal
// and additionally set crm_response/error_message/processing_ms and
// increment attempts, since attempts counts resolved tries, not starts. This
// is the sole write path to the Job Store's status/attempts columns; the
// Batched Audit Writer (C5) is its only caller.
func (d *DB) UpdateJobs(ctx context.Context, updates []jobupdate.Update) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range updates {
		switch u.Status {
		case jobupdate.StatusProcessing:
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'processing', updated_at = now()
				WHERE idempotency_key = $1`, u.IdempotencyKey); err != nil {
				return fmt.Errorf("mark processing %s: %w", u.IdempotencyKey, err)
			}
		case jobupdate.StatusCompleted:
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'completed', crm_response = $2, processing_ms = $3,
				                attempts = attempts + 1, updated_at = now()
				WHERE idempotency_key = $1`,
				u.IdempotencyKey, nullableRaw(u.Result), u.ProcessingMS); err != nil {
				return fmt.Errorf("mark completed %s: %w", u.IdempotencyKey, err)
			}
		case jobupdate.StatusFailed:
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'failed', error_message = $2, processing_ms = $3,
				                attempts = attempts + 1, updated_at = now()
				WHERE idempotency_key = $1`,
				u.IdempotencyKey, derefErrMsg(u.ErrorMessage), u.ProcessingMS); err != nil {
				return fmt.Errorf("mark failed %s: %w", u.IdempotencyKey, err)
			}
		default:
			return fmt.Errorf("unknown job update status %q for %s", u.Status, u.IdempotencyKey)
		}
	}
	return tx.Commit()
}

func derefErrMsg(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetJob fetches one Job Store row.
func (d *DB) GetJob(ctx context.Context, idempotencyKey string) (*Job, error) {
	var j Job
	var crmResp, errMsg sql.NullString
	var processingMS sql.NullInt64
	err := d.sql.QueryRowContext(ctx, `
		SELECT idempotency_key, type, queue, payload, status, attempts, crm_response, error_message, processing_ms, created_at, updated_at
		FROM jobs WHERE idempotency_key = $1`, idempotencyKey).Scan(
		&j.IdempotencyKey, &j.Type, &j.Queue, &j.Payload, &j.Status, &j.Attempts, &crmResp, &errMsg, &processingMS, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if crmResp.Valid {
		j.CRMResponse = json.RawMessage(crmResp.String)
	}
	j.ErrorMessage = errMsg.String
	if processingMS.Valid {
		j.ProcessingMS = &processingMS.Int64
	}
	return &j, nil
}
