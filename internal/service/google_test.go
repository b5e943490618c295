package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGmail struct {
	message  *MailMessage
	page     *MailPage
	fetchErr error
	listErr  error
}

func (f *fakeGmail) FetchMessage(ctx context.Context, userID uuid.UUID, messageID string) (*MailMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.message, nil
}

func (f *fakeGmail) ListMessages(ctx context.Context, userID uuid.UUID, p domain.GoogleGmailSyncPayload) (*MailPage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.page, nil
}

type fakeCalendar struct {
	page    *EventPage
	listErr error
}

func (f *fakeCalendar) ListEvents(ctx context.Context, userID uuid.UUID, p domain.GoogleCalendarSyncPayload) (*EventPage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.page, nil
}

type recordingStores struct {
	emails  []string
	cursors map[string]string
}

func newRecordingStores() *recordingStores {
	return &recordingStores{cursors: make(map[string]string)}
}

func (r *recordingStores) UpsertContactEmail(ctx context.Context, userID uuid.UUID, raw, normalized string) error {
	r.emails = append(r.emails, normalized)
	return nil
}

func (r *recordingStores) UpsertSyncCursor(ctx context.Context, userID uuid.UUID, provider, cursor string, syncedAt time.Time) error {
	r.cursors[provider] = cursor
	return nil
}

type recordingEnqueuer struct {
	kinds    []domain.JobKind
	payloads []json.RawMessage
	err      error
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, userID uuid.UUID, kind domain.JobKind, payload json.RawMessage, batchID *uuid.UUID) (uuid.UUID, error) {
	if r.err != nil {
		return uuid.Nil, r.err
	}
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, payload)
	return uuid.New(), nil
}

func newTestService(
	t *testing.T,
	gmail GmailClient,
	calendar CalendarClient,
	stores *recordingStores,
	enq *recordingEnqueuer,
) *GoogleWorkspaceService {
	t.Helper()
	svc, err := NewGoogleWorkspaceService(gmail, calendar, stores, stores, enq, testLogger())
	require.NoError(t, err)
	return svc
}

func TestCanonicalizeEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Ada Lovelace <Ada.Lovelace@Gmail.com>", "adalovelace@gmail.com"},
		{"john.doe+crm@gmail.com", "johndoe@gmail.com"},
		{"j.o.h.n@googlemail.com", "john@gmail.com"},
		{"Sales@Example.COM", "sales@example.com"},
		// Dots are meaningful outside Google-hosted domains.
		{"first.last@example.com", "first.last@example.com"},
		{"plain", ""},
		{"@gmail.com", ""},
		{"user@", ""},
		{"....@gmail.com", ""},
		{"Broken <user@host", ""},
		{"", ""},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, CanonicalizeEmail(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("stores the canonical sender", func(t *testing.T) {
		t.Parallel()

		stores := newRecordingStores()
		gmail := &fakeGmail{message: &MailMessage{
			MessageID: "m1",
			From:      "Ada Lovelace <ada.lovelace+notes@gmail.com>",
		}}
		svc := newTestService(t, gmail, &fakeCalendar{}, stores, &recordingEnqueuer{})

		err := svc.NormalizeEmail(ctx, uuid.New(), domain.NormalizeGoogleEmailPayload{MessageID: "m1"})
		require.NoError(t, err)
		require.Len(t, stores.emails, 1)
		assert.Equal(t, "adalovelace@gmail.com", stores.emails[0])
	})

	t.Run("unparseable sender fails fatally", func(t *testing.T) {
		t.Parallel()

		gmail := &fakeGmail{message: &MailMessage{MessageID: "m2", From: "mailer-daemon"}}
		svc := newTestService(t, gmail, &fakeCalendar{}, newRecordingStores(), &recordingEnqueuer{})

		err := svc.NormalizeEmail(ctx, uuid.New(), domain.NormalizeGoogleEmailPayload{MessageID: "m2"})
		require.Error(t, err)
		assert.True(t, queue.IsFatal(err))
	})

	t.Run("unconfigured integration fails fatally", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, UnimplementedGmailClient{}, UnimplementedCalendarClient{},
			newRecordingStores(), &recordingEnqueuer{})

		err := svc.NormalizeEmail(ctx, uuid.New(), domain.NormalizeGoogleEmailPayload{MessageID: "m3"})
		require.Error(t, err)
		assert.True(t, queue.IsFatal(err))
		assert.ErrorIs(t, err, ErrGoogleNotConfigured)
	})

	t.Run("provider trouble stays retryable", func(t *testing.T) {
		t.Parallel()

		gmail := &fakeGmail{fetchErr: errors.New("503 backend error")}
		svc := newTestService(t, gmail, &fakeCalendar{}, newRecordingStores(), &recordingEnqueuer{})

		err := svc.NormalizeEmail(ctx, uuid.New(), domain.NormalizeGoogleEmailPayload{MessageID: "m4"})
		require.Error(t, err)
		assert.False(t, queue.IsFatal(err))
	})
}

func TestSyncGmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	userID := uuid.New()

	t.Run("fans out one normalize job per message and records the cursor", func(t *testing.T) {
		t.Parallel()

		stores := newRecordingStores()
		enq := &recordingEnqueuer{}
		gmail := &fakeGmail{page: &MailPage{
			MessageIDs: []string{"m1", "m2", "m3"},
			HistoryID:  42,
		}}
		svc := newTestService(t, gmail, &fakeCalendar{}, stores, enq)

		require.NoError(t, svc.SyncGmail(ctx, userID, domain.GoogleGmailSyncPayload{}))

		require.Len(t, enq.kinds, 3)
		for _, kind := range enq.kinds {
			assert.Equal(t, domain.JobKindNormalizeGoogleEmail, kind)
		}
		assert.Equal(t, "42", stores.cursors["gmail"])
	})

	t.Run("a further page continues in a fresh sync job", func(t *testing.T) {
		t.Parallel()

		enq := &recordingEnqueuer{}
		gmail := &fakeGmail{page: &MailPage{
			MessageIDs:    []string{"m1"},
			NextPageToken: "page-2",
			HistoryID:     7,
		}}
		svc := newTestService(t, gmail, &fakeCalendar{}, newRecordingStores(), enq)

		require.NoError(t, svc.SyncGmail(ctx, userID, domain.GoogleGmailSyncPayload{Full: true}))

		require.Len(t, enq.kinds, 2)
		assert.Equal(t, domain.JobKindGoogleGmailSync, enq.kinds[1])

		var continuation domain.GoogleGmailSyncPayload
		require.NoError(t, json.Unmarshal(enq.payloads[1], &continuation))
		assert.Equal(t, "page-2", continuation.PageToken)
		assert.True(t, continuation.Full)
	})

	t.Run("enqueue failure aborts before the cursor moves", func(t *testing.T) {
		t.Parallel()

		stores := newRecordingStores()
		enq := &recordingEnqueuer{err: errors.New("store unavailable")}
		gmail := &fakeGmail{page: &MailPage{MessageIDs: []string{"m1"}, HistoryID: 9}}
		svc := newTestService(t, gmail, &fakeCalendar{}, stores, enq)

		err := svc.SyncGmail(ctx, userID, domain.GoogleGmailSyncPayload{})
		require.Error(t, err)
		assert.False(t, queue.IsFatal(err))
		assert.Empty(t, stores.cursors, "cursor must not advance on a failed pass")
	})
}

func TestSyncCalendar(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("records the provider sync token", func(t *testing.T) {
		t.Parallel()

		stores := newRecordingStores()
		calendar := &fakeCalendar{page: &EventPage{
			EventIDs:      []string{"e1", "e2"},
			NextSyncToken: "tok-99",
		}}
		svc := newTestService(t, &fakeGmail{}, calendar, stores, &recordingEnqueuer{})

		err := svc.SyncCalendar(ctx, uuid.New(), domain.GoogleCalendarSyncPayload{CalendarID: "primary"})
		require.NoError(t, err)
		assert.Equal(t, "tok-99", stores.cursors["calendar:primary"])
	})

	t.Run("unconfigured integration fails fatally", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, UnimplementedGmailClient{}, UnimplementedCalendarClient{},
			newRecordingStores(), &recordingEnqueuer{})

		err := svc.SyncCalendar(ctx, uuid.New(), domain.GoogleCalendarSyncPayload{CalendarID: "primary"})
		require.Error(t, err)
		assert.True(t, queue.IsFatal(err))
	})
}
