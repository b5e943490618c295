package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
)

// StatusCounts aggregates the jobs of one batch by status.
// The counts always sum to Total.
type StatusCounts struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// KindStatusCount is one row of a per-user job aggregate: how many jobs of
// one kind sit in one status.
type KindStatusCount struct {
	Kind   domain.JobKind   `json:"kind"`
	Status domain.JobStatus `json:"status"`
	Count  int              `json:"count"`
}

// JobStore defines the persistence contract for jobs.
//
// ClaimBatch is the one operation requiring a strong consistency guarantee:
// no two concurrent callers may ever receive the same job. Every other
// mutation targets a single job already owned by the claiming execution.
type JobStore interface {
	// Enqueue inserts a queued job with zero attempts.
	Enqueue(ctx context.Context, job *domain.Job) error

	// EnqueueAll inserts a set of jobs inside one transaction, so a batch
	// either exists completely or not at all.
	EnqueueAll(ctx context.Context, jobs []*domain.Job) error

	// ClaimBatch atomically selects up to limit queued jobs whose NotBefore
	// has passed, transitions them to processing, increments their attempt
	// counters, and returns them.
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error)

	// Complete marks a processing job as completed.
	Complete(ctx context.Context, jobID uuid.UUID) error

	// Fail records errMsg on a processing job. A non-nil retryAt re-queues
	// the job, eligible no earlier than retryAt; a nil retryAt marks it
	// terminally failed.
	Fail(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt *time.Time) error

	// ReleaseRateLimited re-queues a processing job whose user quota was
	// exhausted, eligible no earlier than retryAt. The release increments
	// the job's rate-limit counter instead of consuming retry budget.
	ReleaseRateLimited(ctx context.Context, jobID uuid.UUID, retryAt time.Time) error

	// CancelQueuedByBatch transitions the batch's still-queued jobs to
	// cancelled and reports how many were affected. Processing jobs are
	// left to finish.
	CancelQueuedByBatch(ctx context.Context, batchID, userID uuid.UUID) (int64, error)

	// RequeueStale flips processing jobs that have not been touched for
	// longer than olderThan back to queued so a later run can reclaim them.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// ListByBatch returns every job created under the batch identifier.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Job, error)

	// ListByUserAndStatus returns the user's jobs currently in the given
	// status.
	ListByUserAndStatus(ctx context.Context, userID uuid.UUID, status domain.JobStatus) ([]*domain.Job, error)

	// CountsByBatch aggregates the batch's jobs by status.
	CountsByBatch(ctx context.Context, batchID uuid.UUID) (StatusCounts, error)

	// StatsByUser aggregates the user's jobs by kind and status.
	StatsByUser(ctx context.Context, userID uuid.UUID) ([]KindStatusCount, error)

	// WithTx returns a JobStore bound to the provided transaction. The
	// transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) JobStore
}
