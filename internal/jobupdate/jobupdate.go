// Copyright 2025 James Ross
// Package jobupdate defines the JobUpdate record (spec.md §4.5): the only
// shape a Worker Pool or Scheduler may use to request a Job Store status
// transition. Job Store rows are exclusively owned by the Batched Audit
// Writer (C5); this package holds no behavior of its own, mirroring how
// internal/audit holds the Audit Entry model.
package jobupdate

import "encoding/json"

// Status values a JobUpdate may carry, mirroring the Job Store's own states.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Update is one requested Job Store transition, matched by IdempotencyKey on
// flush. Result and ErrorMessage are mutually exclusive in practice but both
// optional: a processing transition carries neither.
type Update struct {
	IdempotencyKey string
	Status         string
	Result         json.RawMessage
	ErrorMessage   *string
	ProcessingMS   *int64
}

// Writer is the narrow view the Worker Pool and Scheduler need: hand an
// update to the Batched Audit Writer (C5) without waiting on its flush.
type Writer interface {
	AppendJobUpdate(u Update)
}
