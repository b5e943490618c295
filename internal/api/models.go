package api

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/store"
)

// EnqueueJobRequest asks for one job to be queued for the authenticated
// user. BatchID optionally attaches the job to an existing batch.
type EnqueueJobRequest struct {
	Kind    domain.JobKind  `json:"kind"     validate:"required"`
	Payload json.RawMessage `json:"payload"  validate:"required"`
	BatchID *uuid.UUID      `json:"batch_id,omitempty"`
}

// EnqueueJobResponse returns the queued job's identifier.
type EnqueueJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// EnqueueBatchRequest asks for one job per payload, all of the same kind,
// grouped under a freshly generated batch identifier.
type EnqueueBatchRequest struct {
	Kind     domain.JobKind    `json:"kind"     validate:"required"`
	Payloads []json.RawMessage `json:"payloads" validate:"required,min=1,max=500"`
}

// EnqueueBatchResponse returns the generated batch ID and the job IDs in
// payload order.
type EnqueueBatchResponse struct {
	BatchID uuid.UUID   `json:"batch_id"`
	JobIDs  []uuid.UUID `json:"job_ids"`
}

// BatchStatusResponse surfaces a batch's aggregate counts. The counts sum
// to Total; raw error internals are never included.
type BatchStatusResponse struct {
	BatchID uuid.UUID `json:"batch_id"`
	store.StatusCounts
}

// CancelBatchResponse reports how many queued jobs the cancellation
// terminated. Jobs already processing are left to finish.
type CancelBatchResponse struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Cancelled int64     `json:"cancelled"`
}

// JobStatsResponse aggregates the user's jobs by kind and status.
type JobStatsResponse struct {
	Stats []store.KindStatusCount `json:"stats"`
}
