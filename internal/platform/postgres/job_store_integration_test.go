package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/platform/postgres"
	"github.com/covecrm/cove-api/internal/store"
	"github.com/covecrm/cove-api/internal/testdb"
)

func insightPayload(t *testing.T) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(domain.InsightPayload{
		ContactID: uuid.New(),
		Prompt:    "summarize the relationship",
	})
	require.NoError(t, err)
	return raw
}

// mustEnqueue inserts a fresh queued job with NotBefore backdated one
// minute so eligibility never races the database clock.
func mustEnqueue(
	t *testing.T,
	jobs store.JobStore,
	userID uuid.UUID,
	kind domain.JobKind,
	batchID *uuid.UUID,
) *domain.Job {
	t.Helper()

	job, err := domain.NewJob(userID, kind, insightPayload(t), batchID)
	require.NoError(t, err)
	job.NotBefore = time.Now().UTC().Add(-time.Minute)

	require.NoError(t, jobs.Enqueue(context.Background(), job))
	return job
}

func TestPostgresJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)
		userID := uuid.New()

		job := mustEnqueue(t, jobs, userID, domain.JobKindInsight, nil)

		claimed, err := jobs.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, job.ID, claimed[0].ID)
		assert.Equal(t, domain.JobStatusProcessing, claimed[0].Status)
		assert.Equal(t, 1, claimed[0].Attempts)

		// A second claim in the same transaction finds nothing eligible.
		again, err := jobs.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, jobs.Complete(ctx, job.ID))

		listed, err := jobs.ListByUserAndStatus(ctx, userID, domain.JobStatusCompleted)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, job.ID, listed[0].ID)
	})
}

func TestPostgresJobStoreFailAndRetry(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)
		userID := uuid.New()

		job := mustEnqueue(t, jobs, userID, domain.JobKindEmbed, nil)

		claimed, err := jobs.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// Transient failure: re-queued with a backdated retry time, so the
		// next claim picks it up immediately.
		retryAt := time.Now().UTC().Add(-time.Second)
		require.NoError(t, jobs.Fail(ctx, job.ID, "upstream timeout", &retryAt))

		claimed, err = jobs.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempts)
		assert.Equal(t, "upstream timeout", claimed[0].LastError)

		// Terminal failure.
		require.NoError(t, jobs.Fail(ctx, job.ID, "content blocked", nil))

		failed, err := jobs.ListByUserAndStatus(ctx, userID, domain.JobStatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "content blocked", failed[0].LastError)

		// Terminal jobs refuse further transitions.
		err = jobs.Complete(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrJobTerminal)
		err = jobs.Fail(ctx, job.ID, "again", nil)
		assert.ErrorIs(t, err, store.ErrJobTerminal)
	})
}

func TestPostgresJobStoreFutureNotBeforeInvisible(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)

		job, err := domain.NewJob(uuid.New(), domain.JobKindInsight, insightPayload(t), nil)
		require.NoError(t, err)
		job.NotBefore = time.Now().UTC().Add(time.Hour)
		require.NoError(t, jobs.Enqueue(ctx, job))

		claimed, err := jobs.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestPostgresJobStoreReleaseRateLimited(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)
		userID := uuid.New()

		job := mustEnqueue(t, jobs, userID, domain.JobKindInsight, nil)

		claimed, err := jobs.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, jobs.ReleaseRateLimited(ctx, job.ID, time.Now().UTC().Add(-time.Second)))

		// The release keeps the attempt but charges it to rate_limit_hits.
		claimed, err = jobs.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempts)
		assert.Equal(t, 1, claimed[0].RateLimitHits)
		assert.Equal(t, "rate_limited", claimed[0].LastError)
	})
}

func TestPostgresJobStoreEnqueueAllAndBatchOps(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)
		userID := uuid.New()
		batchID := uuid.New()

		var batch []*domain.Job
		for range 4 {
			job, err := domain.NewJob(userID, domain.JobKindEmbed, insightPayload(t), &batchID)
			require.NoError(t, err)
			job.NotBefore = time.Now().UTC().Add(-time.Minute)
			batch = append(batch, job)
		}
		require.NoError(t, jobs.EnqueueAll(ctx, batch))

		listed, err := jobs.ListByBatch(ctx, batchID)
		require.NoError(t, err)
		require.Len(t, listed, 4)
		for _, job := range listed {
			require.NotNil(t, job.BatchID)
			assert.Equal(t, batchID, *job.BatchID)
		}

		// Claim one so cancellation has a processing job to skip.
		claimed, err := jobs.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		cancelled, err := jobs.CancelQueuedByBatch(ctx, batchID, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), cancelled)

		counts, err := jobs.CountsByBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCounts{
			Total:      4,
			Processing: 1,
			Cancelled:  3,
		}, counts)

		// The wrong owner cancels nothing.
		cancelled, err = jobs.CancelQueuedByBatch(ctx, batchID, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, cancelled)
	})
}

func TestPostgresJobStoreStatsByUser(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)
		userID := uuid.New()

		mustEnqueue(t, jobs, userID, domain.JobKindInsight, nil)
		mustEnqueue(t, jobs, userID, domain.JobKindInsight, nil)
		done := mustEnqueue(t, jobs, userID, domain.JobKindEmbed, nil)
		mustEnqueue(t, jobs, uuid.New(), domain.JobKindEmbed, nil)

		claimed, err := jobs.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 4)
		require.NoError(t, jobs.Complete(ctx, done.ID))

		stats, err := jobs.StatsByUser(ctx, userID)
		require.NoError(t, err)

		byKey := make(map[string]int, len(stats))
		total := 0
		for _, row := range stats {
			byKey[string(row.Kind)+"/"+string(row.Status)] = row.Count
			total += row.Count
		}
		assert.Equal(t, 3, total, "stats must be scoped to the user")
		assert.Equal(t, 2, byKey["insight/processing"])
		assert.Equal(t, 1, byKey["embed/completed"])
	})
}

func TestPostgresJobStoreRequeueStale(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)
		userID := uuid.New()

		stale := mustEnqueue(t, jobs, userID, domain.JobKindInsight, nil)
		fresh := mustEnqueue(t, jobs, userID, domain.JobKindInsight, nil)

		claimed, err := jobs.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		// Backdate one claim beyond the stale horizon.
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET updated_at = now() - interval '20 minutes' WHERE id = $1`,
			stale.ID)
		require.NoError(t, err)

		swept, err := jobs.RequeueStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), swept)

		queued, err := jobs.ListByUserAndStatus(ctx, userID, domain.JobStatusQueued)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, stale.ID, queued[0].ID)

		// The fresh claim is untouched.
		require.NoError(t, jobs.Complete(ctx, fresh.ID))
	})
}

func TestPostgresJobStoreCompleteUnknownJob(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		jobs := postgres.NewPostgresJobStore(db).WithTx(tx)

		err := jobs.Complete(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})
}
