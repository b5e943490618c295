// Package postgres implements the store interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/platform/logger"
	"github.com/covecrm/cove-api/internal/store"
)

// jobColumns is the column list every job query selects, in scanJob order.
const jobColumns = `id, user_id, kind, payload, status, attempts, rate_limit_hits,
	last_error, batch_id, not_before, created_at, updated_at`

// PostgresJobStore implements the store.JobStore interface using PostgreSQL.
type PostgresJobStore struct {
	db store.DBTX
}

// NewPostgresJobStore creates a new PostgresJobStore.
func NewPostgresJobStore(db store.DBTX) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

// WithTx returns a JobStore bound to the provided transaction.
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{db: tx}
}

// Enqueue inserts a queued job.
func (s *PostgresJobStore) Enqueue(ctx context.Context, job *domain.Job) error {
	return s.insert(ctx, s.db, job)
}

// EnqueueAll inserts a set of jobs inside one transaction so a batch either
// exists completely or not at all. When the store is already bound to a
// transaction the inserts join it.
func (s *PostgresJobStore) EnqueueAll(ctx context.Context, jobs []*domain.Job) error {
	if db, ok := s.db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			for _, job := range jobs {
				if err := s.insert(ctx, tx, job); err != nil {
					return err
				}
			}
			return nil
		})
	}

	for _, job := range jobs {
		if err := s.insert(ctx, s.db, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresJobStore) insert(ctx context.Context, db store.DBTX, job *domain.Job) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO jobs (id, user_id, kind, payload, status, attempts,
			rate_limit_hits, last_error, batch_id, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var batchID uuid.NullUUID
	if job.BatchID != nil {
		batchID = uuid.NullUUID{UUID: *job.BatchID, Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.Kind,
		[]byte(job.Payload),
		job.Status,
		job.Attempts,
		job.RateLimitHits,
		sql.NullString{String: job.LastError, Valid: job.LastError != ""},
		batchID,
		job.NotBefore,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to enqueue job",
			"job_id", job.ID,
			"job_kind", job.Kind,
			"error", err)
		return store.NewStoreError("job", "enqueue", "insert failed", MapError(err))
	}

	return nil
}

// ClaimBatch atomically claims up to limit eligible queued jobs.
//
// FOR UPDATE SKIP LOCKED guarantees no two concurrent claimers ever receive
// the same job: competing transactions skip rows another claim holds locked
// instead of blocking on them.
func (s *PostgresJobStore) ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	log := logger.FromContext(ctx)

	query := fmt.Sprintf(`
		WITH claimable AS (
			SELECT id
			FROM jobs
			WHERE status = $1 AND not_before <= now()
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE jobs
		SET status = $3, attempts = attempts + 1, updated_at = now()
		WHERE id IN (SELECT id FROM claimable)
		RETURNING %s
	`, jobColumns)

	rows, err := s.db.QueryContext(ctx, query,
		domain.JobStatusQueued,
		limit,
		domain.JobStatusProcessing,
	)
	if err != nil {
		log.Error("failed to claim jobs", "limit", limit, "error", err)
		return nil, store.NewStoreError("job", "claim", "claim query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	jobs, err := scanJobs(rows)
	if err != nil {
		log.Error("failed to scan claimed jobs", "error", err)
		return nil, store.NewStoreError("job", "claim", "scan failed", MapError(err))
	}

	return jobs, nil
}

// Complete marks a processing job as completed. Jobs already terminal are
// refused, never rewritten.
func (s *PostgresJobStore) Complete(ctx context.Context, jobID uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`

	return s.transition(ctx, "complete", jobID, query,
		domain.JobStatusCompleted, jobID, domain.JobStatusProcessing)
}

// Fail records errMsg on a processing job. A non-nil retryAt re-queues it
// with the given eligibility time; nil marks it terminally failed.
func (s *PostgresJobStore) Fail(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt *time.Time) error {
	if retryAt != nil {
		query := `
			UPDATE jobs
			SET status = $1, last_error = $2, not_before = $3, updated_at = now()
			WHERE id = $4 AND status = $5
		`
		return s.transition(ctx, "fail_retry", jobID, query,
			domain.JobStatusQueued, errMsg, retryAt.UTC(), jobID, domain.JobStatusProcessing)
	}

	query := `
		UPDATE jobs
		SET status = $1, last_error = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, "fail", jobID, query,
		domain.JobStatusFailed, errMsg, jobID, domain.JobStatusProcessing)
}

// ReleaseRateLimited re-queues a processing job denied by the quota ledger.
// The release increments rate_limit_hits so the dispatcher can exclude
// quota denials from the retry budget.
func (s *PostgresJobStore) ReleaseRateLimited(ctx context.Context, jobID uuid.UUID, retryAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, not_before = $2, rate_limit_hits = rate_limit_hits + 1,
			last_error = 'rate_limited', updated_at = now()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, "release_rate_limited", jobID, query,
		domain.JobStatusQueued, retryAt.UTC(), jobID, domain.JobStatusProcessing)
}

// CancelQueuedByBatch cancels the batch's still-queued jobs and reports how
// many rows were affected. Processing jobs are left to finish.
func (s *PostgresJobStore) CancelQueuedByBatch(ctx context.Context, batchID, userID uuid.UUID) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $1, updated_at = now()
		WHERE batch_id = $2 AND user_id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCancelled,
		batchID,
		userID,
		domain.JobStatusQueued,
	)
	if err != nil {
		log.Error("failed to cancel batch",
			"batch_id", batchID,
			"user_id", userID,
			"error", err)
		return 0, store.NewStoreError("job", "cancel_batch", "update failed", MapError(err))
	}

	cancelled, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewStoreError("job", "cancel_batch", "rows affected", MapError(err))
	}

	return cancelled, nil
}

// RequeueStale flips processing jobs untouched for longer than olderThan
// back to queued so a later run can reclaim them.
func (s *PostgresJobStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $1, not_before = now(), updated_at = now()
		WHERE status = $2 AND updated_at < $3
	`

	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusQueued,
		domain.JobStatusProcessing,
		cutoff,
	)
	if err != nil {
		log.Error("failed to requeue stale jobs", "cutoff", cutoff, "error", err)
		return 0, store.NewStoreError("job", "requeue_stale", "update failed", MapError(err))
	}

	swept, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewStoreError("job", "requeue_stale", "rows affected", MapError(err))
	}

	return swept, nil
}

// ListByBatch returns every job created under the batch identifier,
// oldest first.
func (s *PostgresJobStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`, jobColumns)

	return s.list(ctx, "list_by_batch", query, batchID)
}

// ListByUserAndStatus returns the user's jobs in the given status,
// oldest first.
func (s *PostgresJobStore) ListByUserAndStatus(
	ctx context.Context,
	userID uuid.UUID,
	status domain.JobStatus,
) ([]*domain.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at ASC
	`, jobColumns)

	return s.list(ctx, "list_by_user_status", query, userID, status)
}

// CountsByBatch aggregates the batch's jobs by status.
func (s *PostgresJobStore) CountsByBatch(ctx context.Context, batchID uuid.UUID) (store.StatusCounts, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT status, count(*)
		FROM jobs
		WHERE batch_id = $1
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		log.Error("failed to count batch jobs", "batch_id", batchID, "error", err)
		return store.StatusCounts{}, store.NewStoreError("job", "counts_by_batch", "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var counts store.StatusCounts
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return store.StatusCounts{}, store.NewStoreError("job", "counts_by_batch", "scan failed", MapError(err))
		}

		counts.Total += count
		switch status {
		case domain.JobStatusQueued:
			counts.Queued = count
		case domain.JobStatusProcessing:
			counts.Processing = count
		case domain.JobStatusCompleted:
			counts.Completed = count
		case domain.JobStatusFailed:
			counts.Failed = count
		case domain.JobStatusCancelled:
			counts.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return store.StatusCounts{}, store.NewStoreError("job", "counts_by_batch", "row iteration", MapError(err))
	}

	return counts, nil
}

// StatsByUser aggregates the user's jobs by kind and status.
func (s *PostgresJobStore) StatsByUser(ctx context.Context, userID uuid.UUID) ([]store.KindStatusCount, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT kind, status, count(*)
		FROM jobs
		WHERE user_id = $1
		GROUP BY kind, status
		ORDER BY kind, status
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		log.Error("failed to aggregate job stats", "user_id", userID, "error", err)
		return nil, store.NewStoreError("job", "stats_by_user", "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var stats []store.KindStatusCount
	for rows.Next() {
		var row store.KindStatusCount
		if err := rows.Scan(&row.Kind, &row.Status, &row.Count); err != nil {
			return nil, store.NewStoreError("job", "stats_by_user", "scan failed", MapError(err))
		}
		stats = append(stats, row)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("job", "stats_by_user", "row iteration", MapError(err))
	}

	return stats, nil
}

// transition executes a single-row status update guarded on the processing
// status. Zero rows affected means the job is missing or already terminal;
// the two cases are distinguished for the caller.
func (s *PostgresJobStore) transition(ctx context.Context, op string, jobID uuid.UUID, query string, args ...any) error {
	log := logger.FromContext(ctx)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("job transition failed",
			"operation", op,
			"job_id", jobID,
			"error", err)
		return store.NewStoreError("job", op, "update failed", MapError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return store.NewStoreError("job", op, "rows affected", MapError(err))
	}
	if affected > 0 {
		return nil
	}

	var status domain.JobStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if mapped := MapError(err); store.IsNotFoundError(mapped) {
			return store.ErrJobNotFound
		}
		return store.NewStoreError("job", op, "status lookup failed", MapError(err))
	}

	if status.IsTerminal() {
		log.Warn("refused transition on terminal job",
			"operation", op,
			"job_id", jobID,
			"status", status)
		return store.NewStoreError("job", op, "job already terminal", store.ErrJobTerminal)
	}

	return store.NewStoreError("job", op, "job not in processing status", store.ErrUpdateFailed)
}

func (s *PostgresJobStore) list(ctx context.Context, op, query string, args ...any) ([]*domain.Job, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("job list query failed", "operation", op, "error", err)
		return nil, store.NewStoreError("job", op, "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	jobs, err := scanJobs(rows)
	if err != nil {
		log.Error("job list scan failed", "operation", op, "error", err)
		return nil, store.NewStoreError("job", op, "scan failed", MapError(err))
	}

	return jobs, nil
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job

	for rows.Next() {
		var (
			job       domain.Job
			payload   []byte
			lastError sql.NullString
			batchID   uuid.NullUUID
		)

		if err := rows.Scan(
			&job.ID,
			&job.UserID,
			&job.Kind,
			&payload,
			&job.Status,
			&job.Attempts,
			&job.RateLimitHits,
			&lastError,
			&batchID,
			&job.NotBefore,
			&job.CreatedAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, err
		}

		job.Payload = payload
		job.LastError = lastError.String
		if batchID.Valid {
			id := batchID.UUID
			job.BatchID = &id
		}

		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}
