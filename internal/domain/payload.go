package domain

import (
	"time"

	"github.com/google/uuid"
)

// Typed payload shapes per job kind. The queue core treats payloads as
// opaque JSON; these structs are decoded and validated at the handler
// registry boundary (tagged-union keyed by kind).

// InsightPayload asks the AI provider for a relationship insight about
// one contact.
type InsightPayload struct {
	ContactID uuid.UUID `json:"contact_id"   validate:"required"`
	Prompt    string    `json:"prompt"       validate:"required,max=8192"`
}

// EmbedPayload asks the AI provider for an embedding of a piece of
// record text.
type EmbedPayload struct {
	RecordID uuid.UUID `json:"record_id" validate:"required"`
	Text     string    `json:"text"      validate:"required,max=32768"`
}

// NormalizeGoogleEmailPayload identifies one raw synced Gmail message to
// normalize into a CRM interaction record.
type NormalizeGoogleEmailPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	ThreadID  string `json:"thread_id"  validate:"omitempty"`
}

// GoogleGmailSyncPayload drives an incremental Gmail sync window.
type GoogleGmailSyncPayload struct {
	HistoryID uint64 `json:"history_id" validate:"omitempty"`
	PageToken string `json:"page_token" validate:"omitempty"`
	Full      bool   `json:"full"`
}

// GoogleCalendarSyncPayload drives an incremental Calendar sync window.
type GoogleCalendarSyncPayload struct {
	CalendarID string `json:"calendar_id" validate:"required"`
	SyncToken  string `json:"sync_token"  validate:"omitempty"`
}

// QuotaEvent records one unit of chargeable AI usage by a user. The ledger
// only ever counts events inside a trailing window; entries are never
// updated or deleted for correctness (pruning old rows is an optimization).
type QuotaEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
