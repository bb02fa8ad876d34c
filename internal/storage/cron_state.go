// Copyright 2025 James Ross
package storage

import (
	"context"
	"database/sql"
)

// IsEnabled reports the durable enable/disable flag for a cron job type,
// defaulting to true when no row exists yet. Implements scheduler.StateStore.
func (d *DB) IsEnabled(ctx context.Context, jobType string) (bool, error) {
	var enabled bool
	err := d.sql.QueryRowContext(ctx, `SELECT enabled FROM cron_job_state WHERE job_type = $1`, jobType).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return enabled, err
}

// SetEnabled upserts the durable enable/disable flag for a cron job type.
func (d *DB) SetEnabled(ctx context.Context, jobType string, enabled bool) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO cron_job_state (job_type, enabled) VALUES ($1, $2)
		ON CONFLICT (job_type) DO UPDATE SET enabled = EXCLUDED.enabled`, jobType, enabled)
	return err
}
