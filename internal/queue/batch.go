package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/platform/logger"
	"github.com/covecrm/cove-api/internal/store"
)

// Batches is the batch coordinator: it enqueues related jobs under one
// shared batch identifier, aggregates their status, and cancels the
// still-queued remainder of a batch on request.
type Batches struct {
	jobs   store.JobStore
	logger *slog.Logger
}

// NewBatches creates a batch coordinator backed by the given job store.
func NewBatches(jobs store.JobStore, log *slog.Logger) (*Batches, error) {
	if jobs == nil {
		return nil, errors.New("job store cannot be nil")
	}
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Batches{jobs: jobs, logger: log}, nil
}

// Enqueue inserts one queued job. A nil batchID leaves the job unbatched.
func (b *Batches) Enqueue(
	ctx context.Context,
	userID uuid.UUID,
	kind domain.JobKind,
	payload json.RawMessage,
	batchID *uuid.UUID,
) (uuid.UUID, error) {
	job, err := domain.NewJob(userID, kind, payload, batchID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := b.jobs.Enqueue(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	logger.FromContext(ctx).Info("job enqueued",
		"job_id", job.ID,
		"job_kind", kind,
		"user_id", userID)

	return job.ID, nil
}

// EnqueueBatch inserts one job per payload under a freshly generated shared
// batch ID, all inside a single transaction. Returns the batch ID and the
// job IDs in payload order.
func (b *Batches) EnqueueBatch(
	ctx context.Context,
	userID uuid.UUID,
	kind domain.JobKind,
	payloads []json.RawMessage,
) (uuid.UUID, []uuid.UUID, error) {
	if len(payloads) == 0 {
		return uuid.Nil, nil, errors.New("batch requires at least one payload")
	}

	batchID := uuid.New()
	jobs := make([]*domain.Job, 0, len(payloads))
	jobIDs := make([]uuid.UUID, 0, len(payloads))

	for _, payload := range payloads {
		job, err := domain.NewJob(userID, kind, payload, &batchID)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		jobs = append(jobs, job)
		jobIDs = append(jobIDs, job.ID)
	}

	if err := b.jobs.EnqueueAll(ctx, jobs); err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	logger.FromContext(ctx).Info("batch enqueued",
		"batch_id", batchID,
		"job_kind", kind,
		"user_id", userID,
		"job_count", len(jobs))

	return batchID, jobIDs, nil
}

// BatchStatus aggregates the batch's jobs by status. The counts always sum
// to Total. An unknown batch yields store.ErrBatchNotFound.
func (b *Batches) BatchStatus(ctx context.Context, batchID uuid.UUID) (store.StatusCounts, error) {
	counts, err := b.jobs.CountsByBatch(ctx, batchID)
	if err != nil {
		return store.StatusCounts{}, fmt.Errorf("failed to read batch status: %w", err)
	}
	if counts.Total == 0 {
		return store.StatusCounts{}, store.ErrBatchNotFound
	}
	return counts, nil
}

// CancelBatch transitions the batch's still-queued jobs to cancelled and
// reports how many were affected. Jobs already processing are allowed to
// finish; cancellation is not preemptive mid-handler.
func (b *Batches) CancelBatch(ctx context.Context, batchID, userID uuid.UUID) (int64, error) {
	cancelled, err := b.jobs.CancelQueuedByBatch(ctx, batchID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel batch: %w", err)
	}

	logger.FromContext(ctx).Info("batch cancelled",
		"batch_id", batchID,
		"user_id", userID,
		"cancelled_jobs", cancelled)

	return cancelled, nil
}

// UserStats aggregates the user's jobs by kind and status.
func (b *Batches) UserStats(ctx context.Context, userID uuid.UUID) ([]store.KindStatusCount, error) {
	stats, err := b.jobs.StatsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job stats: %w", err)
	}
	return stats, nil
}

// ListByBatch returns every job created under the batch identifier.
func (b *Batches) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Job, error) {
	jobs, err := b.jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return jobs, nil
}
