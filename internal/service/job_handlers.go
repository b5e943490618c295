// Package service wires the per-kind job handlers consumed by the queue's
// dispatcher. The queue core never sees provider clients; it only sees the
// registry built here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/generation"
	"github.com/covecrm/cove-api/internal/queue"
)

// InsightSink persists generated insights onto CRM records.
type InsightSink interface {
	SaveInsight(ctx context.Context, userID, contactID uuid.UUID, text string) error
}

// EmbeddingSink persists embedding vectors for CRM records.
type EmbeddingSink interface {
	SaveEmbedding(ctx context.Context, userID, recordID uuid.UUID, vector []float32) error
}

// MailSyncService performs Gmail sync and message normalization. The
// provider calls behind it are opaque to the queue; any error it returns is
// treated as transient unless it says otherwise.
type MailSyncService interface {
	SyncGmail(ctx context.Context, userID uuid.UUID, p domain.GoogleGmailSyncPayload) error
	NormalizeEmail(ctx context.Context, userID uuid.UUID, p domain.NormalizeGoogleEmailPayload) error
}

// CalendarSyncService performs Calendar sync.
type CalendarSyncService interface {
	SyncCalendar(ctx context.Context, userID uuid.UUID, p domain.GoogleCalendarSyncPayload) error
}

// JobHandlerDeps collects the collaborators the handlers need.
type JobHandlerDeps struct {
	Generator  generation.Generator
	Insights   InsightSink
	Embeddings EmbeddingSink
	Mail       MailSyncService
	Calendar   CalendarSyncService
	Logger     *slog.Logger
}

// NewJobRegistry builds the complete kind-to-handler registry. Payloads are
// decoded and validated at this boundary; a payload that can never validate
// fails the job fatally rather than burning retries.
func NewJobRegistry(deps JobHandlerDeps) (*queue.Registry, error) {
	if deps.Generator == nil {
		return nil, errors.New("generator cannot be nil")
	}
	if deps.Insights == nil || deps.Embeddings == nil {
		return nil, errors.New("insight and embedding sinks cannot be nil")
	}
	if deps.Mail == nil || deps.Calendar == nil {
		return nil, errors.New("mail and calendar sync services cannot be nil")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return queue.NewRegistry(map[domain.JobKind]queue.Handler{
		domain.JobKindInsight: queue.TypedHandler(
			func(ctx context.Context, job *domain.Job, p domain.InsightPayload) error {
				text, err := deps.Generator.GenerateInsight(ctx, job.UserID, p.Prompt)
				if err != nil {
					return classifyGenerationError(err)
				}
				if err := deps.Insights.SaveInsight(ctx, job.UserID, p.ContactID, text); err != nil {
					return fmt.Errorf("failed to save insight: %w", err)
				}
				return nil
			}),

		domain.JobKindEmbed: queue.TypedHandler(
			func(ctx context.Context, job *domain.Job, p domain.EmbedPayload) error {
				vector, err := deps.Generator.EmbedText(ctx, job.UserID, p.Text)
				if err != nil {
					return classifyGenerationError(err)
				}
				if err := deps.Embeddings.SaveEmbedding(ctx, job.UserID, p.RecordID, vector); err != nil {
					return fmt.Errorf("failed to save embedding: %w", err)
				}
				return nil
			}),

		domain.JobKindNormalizeGoogleEmail: queue.TypedHandler(
			func(ctx context.Context, job *domain.Job, p domain.NormalizeGoogleEmailPayload) error {
				return deps.Mail.NormalizeEmail(ctx, job.UserID, p)
			}),

		domain.JobKindGoogleGmailSync: queue.TypedHandler(
			func(ctx context.Context, job *domain.Job, p domain.GoogleGmailSyncPayload) error {
				return deps.Mail.SyncGmail(ctx, job.UserID, p)
			}),

		domain.JobKindGoogleCalendarSync: queue.TypedHandler(
			func(ctx context.Context, job *domain.Job, p domain.GoogleCalendarSyncPayload) error {
				return deps.Calendar.SyncCalendar(ctx, job.UserID, p)
			}),
	})
}

// classifyGenerationError maps provider errors onto the queue's failure
// taxonomy: safety blocks and malformed responses can never succeed on
// retry, transient provider trouble can.
func classifyGenerationError(err error) error {
	switch {
	case errors.Is(err, generation.ErrContentBlocked),
		errors.Is(err, generation.ErrInvalidResponse),
		errors.Is(err, generation.ErrInvalidConfig):
		return queue.Fatal(err)
	default:
		return err
	}
}
