package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/cove-api/internal/domain"
)

func newTestJob(t *testing.T, kind domain.JobKind, payload any) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job, err := domain.NewJob(uuid.New(), kind, raw, nil)
	require.NoError(t, err)
	return job
}

func noopHandler(ctx context.Context, job *domain.Job) error { return nil }

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	t.Run("rejects an empty handler map", func(t *testing.T) {
		t.Parallel()

		_, err := NewRegistry(nil)
		assert.Error(t, err)
	})

	t.Run("rejects an invalid kind", func(t *testing.T) {
		t.Parallel()

		_, err := NewRegistry(map[domain.JobKind]Handler{
			domain.JobKind("astral_projection"): noopHandler,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidJobKind)
	})

	t.Run("rejects a nil handler", func(t *testing.T) {
		t.Parallel()

		_, err := NewRegistry(map[domain.JobKind]Handler{
			domain.JobKindInsight: nil,
		})
		assert.Error(t, err)
	})
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(map[domain.JobKind]Handler{
		domain.JobKindInsight: noopHandler,
	})
	require.NoError(t, err)

	t.Run("returns the registered handler", func(t *testing.T) {
		t.Parallel()

		h, err := reg.Resolve(domain.JobKindInsight)
		require.NoError(t, err)
		assert.NotNil(t, h)
	})

	t.Run("unregistered kind yields ErrUnknownKind", func(t *testing.T) {
		t.Parallel()

		_, err := reg.Resolve(domain.JobKindEmbed)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}

func TestTypedHandler(t *testing.T) {
	t.Parallel()

	t.Run("passes a decoded valid payload to the handler", func(t *testing.T) {
		t.Parallel()

		var got domain.InsightPayload
		h := TypedHandler(func(ctx context.Context, job *domain.Job, p domain.InsightPayload) error {
			got = p
			return nil
		})

		contactID := uuid.New()
		job := newTestJob(t, domain.JobKindInsight, domain.InsightPayload{
			ContactID: contactID,
			Prompt:    "what changed since last call",
		})

		require.NoError(t, h(context.Background(), job))
		assert.Equal(t, contactID, got.ContactID)
		assert.Equal(t, "what changed since last call", got.Prompt)
	})

	t.Run("malformed JSON fails fatally without invoking the handler", func(t *testing.T) {
		t.Parallel()

		invoked := false
		h := TypedHandler(func(ctx context.Context, job *domain.Job, p domain.InsightPayload) error {
			invoked = true
			return nil
		})

		job, err := domain.NewJob(uuid.New(), domain.JobKindInsight, json.RawMessage(`{not json`), nil)
		require.NoError(t, err)

		err = h(context.Background(), job)
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		assert.False(t, invoked)
	})

	t.Run("payload failing validation fails fatally", func(t *testing.T) {
		t.Parallel()

		h := TypedHandler(func(ctx context.Context, job *domain.Job, p domain.InsightPayload) error {
			return nil
		})

		// Missing required prompt.
		job := newTestJob(t, domain.JobKindInsight, map[string]any{"contact_id": uuid.New()})

		err := h(context.Background(), job)
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("handler errors pass through unwrapped", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("provider unavailable")
		h := TypedHandler(func(ctx context.Context, job *domain.Job, p domain.InsightPayload) error {
			return boom
		})

		job := newTestJob(t, domain.JobKindInsight, domain.InsightPayload{
			ContactID: uuid.New(),
			Prompt:    "p",
		})

		err := h(context.Background(), job)
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsFatal(err))
	})
}

func TestFatalClassification(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Fatal(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("transient")))

	err := Fatal(errors.New("bad payload"))
	assert.True(t, IsFatal(err))

	// Classification survives wrapping.
	wrapped := errors.Join(errors.New("context"), err)
	assert.True(t, IsFatal(wrapped))
}
