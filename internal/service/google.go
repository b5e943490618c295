package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/platform/logger"
	"github.com/covecrm/cove-api/internal/queue"
)

// ErrGoogleNotConfigured is returned by the unimplemented Google clients.
// Sync jobs fail fatally on it rather than retrying against an integration
// that is not set up.
var ErrGoogleNotConfigured = errors.New("google workspace integration is not configured")

// MailMessage is the provider-neutral shape of one synced Gmail message.
type MailMessage struct {
	MessageID string
	ThreadID  string
	From      string
	Subject   string
	Snippet   string
	SentAt    time.Time
}

// MailPage is one page of a Gmail sync window.
type MailPage struct {
	MessageIDs    []string
	NextPageToken string
	HistoryID     uint64
}

// EventPage is one page of a Calendar sync window.
type EventPage struct {
	EventIDs      []string
	NextSyncToken string
}

// GmailClient is the narrow slice of the Gmail API the sync handlers need.
type GmailClient interface {
	FetchMessage(ctx context.Context, userID uuid.UUID, messageID string) (*MailMessage, error)
	ListMessages(ctx context.Context, userID uuid.UUID, p domain.GoogleGmailSyncPayload) (*MailPage, error)
}

// CalendarClient is the narrow slice of the Calendar API the sync handlers
// need.
type CalendarClient interface {
	ListEvents(ctx context.Context, userID uuid.UUID, p domain.GoogleCalendarSyncPayload) (*EventPage, error)
}

// ContactEmailStore persists canonicalized contact email addresses.
type ContactEmailStore interface {
	UpsertContactEmail(ctx context.Context, userID uuid.UUID, rawEmail, normalizedEmail string) error
}

// SyncCursorStore persists per-user, per-provider sync positions.
type SyncCursorStore interface {
	UpsertSyncCursor(ctx context.Context, userID uuid.UUID, provider, cursor string, syncedAt time.Time) error
}

// Enqueuer schedules follow-up jobs discovered during a sync. Satisfied by
// queue.Batches.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID uuid.UUID, kind domain.JobKind, payload json.RawMessage, batchID *uuid.UUID) (uuid.UUID, error)
}

// GoogleWorkspaceService implements the Gmail and Calendar sync handlers.
// A sync pass lists one page from the provider, fans out one normalize job
// per discovered message, and records where it left off so the next pass
// resumes instead of rescanning.
type GoogleWorkspaceService struct {
	gmail    GmailClient
	calendar CalendarClient
	emails   ContactEmailStore
	cursors  SyncCursorStore
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewGoogleWorkspaceService creates the sync service with its required
// collaborators.
func NewGoogleWorkspaceService(
	gmail GmailClient,
	calendar CalendarClient,
	emails ContactEmailStore,
	cursors SyncCursorStore,
	enqueuer Enqueuer,
	log *slog.Logger,
) (*GoogleWorkspaceService, error) {
	if gmail == nil || calendar == nil {
		return nil, errors.New("gmail and calendar clients cannot be nil")
	}
	if emails == nil || cursors == nil {
		return nil, errors.New("email and cursor stores cannot be nil")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer cannot be nil")
	}
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &GoogleWorkspaceService{
		gmail:    gmail,
		calendar: calendar,
		emails:   emails,
		cursors:  cursors,
		enqueuer: enqueuer,
		logger:   log,
	}, nil
}

// NormalizeEmail fetches one synced message and collapses its sender
// address onto the canonical contact email row.
func (s *GoogleWorkspaceService) NormalizeEmail(
	ctx context.Context,
	userID uuid.UUID,
	p domain.NormalizeGoogleEmailPayload,
) error {
	msg, err := s.gmail.FetchMessage(ctx, userID, p.MessageID)
	if err != nil {
		if errors.Is(err, ErrGoogleNotConfigured) {
			return queue.Fatal(err)
		}
		return fmt.Errorf("failed to fetch message %s: %w", p.MessageID, err)
	}

	normalized := CanonicalizeEmail(msg.From)
	if normalized == "" {
		// A message with no parseable sender can never normalize.
		return queue.Fatal(fmt.Errorf("message %s has no usable sender address", p.MessageID))
	}

	if err := s.emails.UpsertContactEmail(ctx, userID, msg.From, normalized); err != nil {
		return fmt.Errorf("failed to store contact email: %w", err)
	}

	logger.FromContext(ctx).Debug("email normalized",
		"user_id", userID,
		"message_id", p.MessageID,
		"normalized_email", normalized)
	return nil
}

// SyncGmail lists one page of the user's mailbox and enqueues a normalize
// job per message. The cursor is written only after the fan-out succeeds,
// so a failed pass is retried from the same position.
func (s *GoogleWorkspaceService) SyncGmail(
	ctx context.Context,
	userID uuid.UUID,
	p domain.GoogleGmailSyncPayload,
) error {
	page, err := s.gmail.ListMessages(ctx, userID, p)
	if err != nil {
		if errors.Is(err, ErrGoogleNotConfigured) {
			return queue.Fatal(err)
		}
		return fmt.Errorf("failed to list gmail messages: %w", err)
	}

	for _, messageID := range page.MessageIDs {
		payload, err := json.Marshal(domain.NormalizeGoogleEmailPayload{MessageID: messageID})
		if err != nil {
			return fmt.Errorf("failed to encode normalize payload: %w", err)
		}
		if _, err := s.enqueuer.Enqueue(ctx, userID, domain.JobKindNormalizeGoogleEmail, payload, nil); err != nil {
			return fmt.Errorf("failed to enqueue normalize job: %w", err)
		}
	}

	// Continue a multi-page sync in a fresh job so one mailbox never
	// monopolizes a run cycle.
	if page.NextPageToken != "" {
		payload, err := json.Marshal(domain.GoogleGmailSyncPayload{
			PageToken: page.NextPageToken,
			Full:      p.Full,
		})
		if err != nil {
			return fmt.Errorf("failed to encode continuation payload: %w", err)
		}
		if _, err := s.enqueuer.Enqueue(ctx, userID, domain.JobKindGoogleGmailSync, payload, nil); err != nil {
			return fmt.Errorf("failed to enqueue sync continuation: %w", err)
		}
	}

	cursor := strconv.FormatUint(page.HistoryID, 10)
	if err := s.cursors.UpsertSyncCursor(ctx, userID, "gmail", cursor, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record gmail cursor: %w", err)
	}

	logger.FromContext(ctx).Info("gmail sync page processed",
		"user_id", userID,
		"messages", len(page.MessageIDs),
		"history_id", page.HistoryID,
		"has_next_page", page.NextPageToken != "")
	return nil
}

// SyncCalendar lists one page of calendar events and records the provider
// sync token for the next incremental pass.
func (s *GoogleWorkspaceService) SyncCalendar(
	ctx context.Context,
	userID uuid.UUID,
	p domain.GoogleCalendarSyncPayload,
) error {
	page, err := s.calendar.ListEvents(ctx, userID, p)
	if err != nil {
		if errors.Is(err, ErrGoogleNotConfigured) {
			return queue.Fatal(err)
		}
		return fmt.Errorf("failed to list calendar events: %w", err)
	}

	provider := "calendar:" + p.CalendarID
	if err := s.cursors.UpsertSyncCursor(ctx, userID, provider, page.NextSyncToken, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record calendar cursor: %w", err)
	}

	logger.FromContext(ctx).Info("calendar sync page processed",
		"user_id", userID,
		"calendar_id", p.CalendarID,
		"events", len(page.EventIDs))
	return nil
}

// CanonicalizeEmail lowercases an address and, for Google-hosted domains,
// strips the dot and plus-suffix variations Gmail treats as aliases.
// Returns "" when the input does not look like an address.
func CanonicalizeEmail(raw string) string {
	addr := strings.TrimSpace(strings.ToLower(raw))

	// Tolerate "Display Name <user@host>" forms.
	if start := strings.LastIndex(addr, "<"); start != -1 {
		end := strings.Index(addr[start:], ">")
		if end == -1 {
			return ""
		}
		addr = addr[start+1 : start+end]
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}

	local, host := addr[:at], addr[at+1:]
	if host == "gmail.com" || host == "googlemail.com" {
		if plus := strings.Index(local, "+"); plus != -1 {
			local = local[:plus]
		}
		local = strings.ReplaceAll(local, ".", "")
		if local == "" {
			return ""
		}
		host = "gmail.com"
	}

	return local + "@" + host
}

// UnimplementedGmailClient satisfies GmailClient for deployments without
// Google credentials. Every call fails with ErrGoogleNotConfigured.
type UnimplementedGmailClient struct{}

func (UnimplementedGmailClient) FetchMessage(context.Context, uuid.UUID, string) (*MailMessage, error) {
	return nil, ErrGoogleNotConfigured
}

func (UnimplementedGmailClient) ListMessages(context.Context, uuid.UUID, domain.GoogleGmailSyncPayload) (*MailPage, error) {
	return nil, ErrGoogleNotConfigured
}

// UnimplementedCalendarClient satisfies CalendarClient for deployments
// without Google credentials.
type UnimplementedCalendarClient struct{}

func (UnimplementedCalendarClient) ListEvents(context.Context, uuid.UUID, domain.GoogleCalendarSyncPayload) (*EventPage, error) {
	return nil, ErrGoogleNotConfigured
}
