package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/store"
)

// PostgresRecordStore persists the artifacts that completed jobs produce:
// generated insights and embedding vectors attached to CRM records. It
// implements service.InsightSink and service.EmbeddingSink.
type PostgresRecordStore struct {
	db store.DBTX
}

// NewPostgresRecordStore creates a record store with the given database.
func NewPostgresRecordStore(db store.DBTX) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// WithTx returns a copy of the store bound to an existing transaction.
func (s *PostgresRecordStore) WithTx(tx *sql.Tx) *PostgresRecordStore {
	return &PostgresRecordStore{db: tx}
}

// SaveInsight upserts the generated text for a contact. A re-run of the
// same job overwrites the previous insight rather than duplicating it.
func (s *PostgresRecordStore) SaveInsight(
	ctx context.Context,
	userID, contactID uuid.UUID,
	text string,
) error {
	query := `
		INSERT INTO contact_insights (id, user_id, contact_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, contact_id)
		DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, uuid.New(), userID, contactID, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save insight: %w", MapError(err))
	}
	return nil
}

// SaveEmbedding upserts the embedding vector for a record. Vectors are
// stored as JSON arrays; similarity search happens in the application
// layer, not in SQL.
func (s *PostgresRecordStore) SaveEmbedding(
	ctx context.Context,
	userID, recordID uuid.UUID,
	vector []float32,
) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to encode embedding vector: %w", err)
	}

	query := `
		INSERT INTO record_embeddings (id, user_id, record_id, vector, dimensions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id, record_id)
		DO UPDATE SET vector = EXCLUDED.vector,
		              dimensions = EXCLUDED.dimensions,
		              updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		uuid.New(), userID, recordID, encoded, len(vector), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", MapError(err))
	}
	return nil
}

// UpsertContactEmail stores the canonical form of a contact's email
// alongside the raw value seen on the wire. Messages from the same sender
// written under different raw spellings collapse onto one row. Implements
// service.ContactEmailStore.
func (s *PostgresRecordStore) UpsertContactEmail(
	ctx context.Context,
	userID uuid.UUID,
	rawEmail, normalizedEmail string,
) error {
	query := `
		INSERT INTO contact_emails (id, user_id, raw_email, normalized_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, normalized_email)
		DO UPDATE SET raw_email = EXCLUDED.raw_email, updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New(), userID, rawEmail, normalizedEmail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert contact email: %w", MapError(err))
	}
	return nil
}

// UpsertSyncCursor records where the last provider sync for a user left
// off. Implements service.SyncCursorStore.
func (s *PostgresRecordStore) UpsertSyncCursor(
	ctx context.Context,
	userID uuid.UUID,
	provider, cursor string,
	syncedAt time.Time,
) error {
	query := `
		INSERT INTO sync_cursors (id, user_id, provider, cursor, synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET cursor = EXCLUDED.cursor, synced_at = EXCLUDED.synced_at`

	_, err := s.db.ExecContext(ctx, query, uuid.New(), userID, provider, cursor, syncedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert sync cursor: %w", MapError(err))
	}
	return nil
}

// GetSyncCursor returns the stored cursor for a user and provider, or
// store.ErrNotFound if no sync has run yet.
func (s *PostgresRecordStore) GetSyncCursor(
	ctx context.Context,
	userID uuid.UUID,
	provider string,
) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	).Scan(&cursor)
	if err != nil {
		return "", MapError(err)
	}
	return cursor, nil
}
