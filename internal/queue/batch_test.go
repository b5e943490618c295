package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/store"
)

func payloads(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{"k":"v"}`)
	}
	return out
}

func TestBatchesEnqueue(t *testing.T) {
	t.Parallel()

	jobs := NewMemJobStore()
	b, err := NewBatches(jobs, testLogger())
	require.NoError(t, err)

	t.Run("stores a single queued job", func(t *testing.T) {
		userID := uuid.New()
		jobID, err := b.Enqueue(context.Background(), userID, domain.JobKindInsight,
			json.RawMessage(`{"prompt":"p"}`), nil)
		require.NoError(t, err)

		stored, ok := jobs.Get(jobID)
		require.True(t, ok)
		assert.Equal(t, userID, stored.UserID)
		assert.Equal(t, domain.JobStatusQueued, stored.Status)
	})

	t.Run("rejects an invalid kind", func(t *testing.T) {
		_, err := b.Enqueue(context.Background(), uuid.New(), domain.JobKind("bogus"),
			json.RawMessage(`{}`), nil)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("propagates store failures", func(t *testing.T) {
		failing := NewMemJobStore()
		storeErr := errors.New("disk full")
		failing.EnqueueFn = func(ctx context.Context, job *domain.Job) error {
			return storeErr
		}
		fb, err := NewBatches(failing, testLogger())
		require.NoError(t, err)

		_, err = fb.Enqueue(context.Background(), uuid.New(), domain.JobKindInsight,
			json.RawMessage(`{}`), nil)
		assert.ErrorIs(t, err, storeErr)
	})
}

func TestBatchesEnqueueBatch(t *testing.T) {
	t.Parallel()

	jobs := NewMemJobStore()
	b, err := NewBatches(jobs, testLogger())
	require.NoError(t, err)

	t.Run("all jobs share one batch ID", func(t *testing.T) {
		userID := uuid.New()
		batchID, jobIDs, err := b.EnqueueBatch(context.Background(), userID,
			domain.JobKindEmbed, payloads(4))
		require.NoError(t, err)
		require.Len(t, jobIDs, 4)
		assert.NotEqual(t, uuid.Nil, batchID)

		for _, id := range jobIDs {
			stored, ok := jobs.Get(id)
			require.True(t, ok)
			require.NotNil(t, stored.BatchID)
			assert.Equal(t, batchID, *stored.BatchID)
			assert.Equal(t, domain.JobStatusQueued, stored.Status)
		}
	})

	t.Run("empty payload list is rejected", func(t *testing.T) {
		_, _, err := b.EnqueueBatch(context.Background(), uuid.New(), domain.JobKindEmbed, nil)
		assert.Error(t, err)
	})
}

func TestBatchesBatchStatus(t *testing.T) {
	t.Parallel()

	jobs := NewMemJobStore()
	b, err := NewBatches(jobs, testLogger())
	require.NoError(t, err)

	t.Run("counts always sum to total", func(t *testing.T) {
		userID := uuid.New()
		batchID, jobIDs, err := b.EnqueueBatch(context.Background(), userID,
			domain.JobKindGoogleGmailSync, payloads(5))
		require.NoError(t, err)

		// Drive the batch into a mixed state: one completed, one failed,
		// one still processing, two queued.
		claimed, err := jobs.ClaimBatch(context.Background(), 3)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		require.NoError(t, jobs.Complete(context.Background(), claimed[0].ID))
		require.NoError(t, jobs.Fail(context.Background(), claimed[1].ID, "boom", nil))

		counts, err := b.BatchStatus(context.Background(), batchID)
		require.NoError(t, err)

		assert.Equal(t, len(jobIDs), counts.Total)
		assert.Equal(t, 2, counts.Queued)
		assert.Equal(t, 1, counts.Processing)
		assert.Equal(t, 1, counts.Completed)
		assert.Equal(t, 1, counts.Failed)
		assert.Equal(t, 0, counts.Cancelled)
		assert.Equal(t, counts.Total,
			counts.Queued+counts.Processing+counts.Completed+counts.Failed+counts.Cancelled)
	})

	t.Run("unknown batch yields ErrBatchNotFound", func(t *testing.T) {
		_, err := b.BatchStatus(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrBatchNotFound)
	})
}

func TestBatchesCancelBatch(t *testing.T) {
	t.Parallel()

	jobs := NewMemJobStore()
	b, err := NewBatches(jobs, testLogger())
	require.NoError(t, err)

	userID := uuid.New()
	batchID, jobIDs, err := b.EnqueueBatch(context.Background(), userID,
		domain.JobKindGoogleGmailSync, payloads(4))
	require.NoError(t, err)

	// One job is mid-flight; cancellation must not touch it.
	claimed, err := jobs.ClaimBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	cancelled, err := b.CancelBatch(context.Background(), batchID, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cancelled)

	counts, err := b.BatchStatus(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Cancelled)
	assert.Equal(t, 1, counts.Processing)

	// The processing job finishes normally after the cancellation.
	require.NoError(t, jobs.Complete(context.Background(), claimed[0].ID))

	// Cancelled jobs are terminal: they are never claimable again.
	later, err := jobs.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, later)

	// A different user cannot cancel someone else's batch.
	again, err := b.CancelBatch(context.Background(), batchID, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, again)

	_ = jobIDs
}

func TestBatchesUserStats(t *testing.T) {
	t.Parallel()

	jobs := NewMemJobStore()
	b, err := NewBatches(jobs, testLogger())
	require.NoError(t, err)

	userID := uuid.New()
	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(context.Background(), userID, domain.JobKindInsight,
			json.RawMessage(`{"k":"v"}`), nil)
		require.NoError(t, err)
	}
	_, err = b.Enqueue(context.Background(), userID, domain.JobKindEmbed,
		json.RawMessage(`{"k":"v"}`), nil)
	require.NoError(t, err)

	// Another user's jobs must not leak into the stats.
	_, err = b.Enqueue(context.Background(), uuid.New(), domain.JobKindInsight,
		json.RawMessage(`{"k":"v"}`), nil)
	require.NoError(t, err)

	stats, err := b.UserStats(context.Background(), userID)
	require.NoError(t, err)

	byKind := make(map[domain.JobKind]int)
	total := 0
	for _, s := range stats {
		byKind[s.Kind] += s.Count
		total += s.Count
	}
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, byKind[domain.JobKindInsight])
	assert.Equal(t, 1, byKind[domain.JobKindEmbed])
}

func TestMemQuotaStoreWindow(t *testing.T) {
	t.Parallel()

	quota := NewMemQuotaStore(time.Minute, 2)
	now := time.Now().UTC()
	quota.Now = func() time.Time { return now }

	userID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		adm, err := quota.TryAdmit(ctx, userID)
		require.NoError(t, err)
		assert.True(t, adm.Admitted, "admission %d within the limit", i)
	}

	adm, err := quota.TryAdmit(ctx, userID)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Positive(t, adm.RetryAfter)
	assert.LessOrEqual(t, adm.RetryAfter, time.Minute)

	// A different user has an independent window.
	other, err := quota.TryAdmit(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, other.Admitted)

	// Rolling past the window frees the budget again.
	now = now.Add(time.Minute + time.Second)
	adm, err = quota.TryAdmit(ctx, userID)
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
}
