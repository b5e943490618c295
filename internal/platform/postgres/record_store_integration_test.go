package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/cove-api/internal/platform/postgres"
	"github.com/covecrm/cove-api/internal/store"
	"github.com/covecrm/cove-api/internal/testdb"
)

func TestPostgresRecordStoreInsightUpsert(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		records := postgres.NewPostgresRecordStore(db).WithTx(tx)
		userID := uuid.New()
		contactID := uuid.New()

		require.NoError(t, records.SaveInsight(ctx, userID, contactID, "first draft"))
		require.NoError(t, records.SaveInsight(ctx, userID, contactID, "refreshed insight"))

		var body string
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT body, (SELECT count(*) FROM contact_insights WHERE user_id = $1)
			 FROM contact_insights WHERE user_id = $1 AND contact_id = $2`,
			userID, contactID).Scan(&body, &count)
		require.NoError(t, err)
		assert.Equal(t, "refreshed insight", body)
		assert.Equal(t, 1, count, "re-saving must overwrite, not duplicate")
	})
}

func TestPostgresRecordStoreEmbeddingUpsert(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		records := postgres.NewPostgresRecordStore(db).WithTx(tx)
		userID := uuid.New()
		recordID := uuid.New()

		require.NoError(t, records.SaveEmbedding(ctx, userID, recordID, []float32{0.1, 0.2, 0.3}))
		require.NoError(t, records.SaveEmbedding(ctx, userID, recordID, []float32{0.4, 0.5}))

		var dims, count int
		err := tx.QueryRowContext(ctx,
			`SELECT dimensions, (SELECT count(*) FROM record_embeddings WHERE user_id = $1)
			 FROM record_embeddings WHERE user_id = $1 AND record_id = $2`,
			userID, recordID).Scan(&dims, &count)
		require.NoError(t, err)
		assert.Equal(t, 2, dims)
		assert.Equal(t, 1, count)
	})
}

func TestPostgresRecordStoreContactEmailCollapses(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		records := postgres.NewPostgresRecordStore(db).WithTx(tx)
		userID := uuid.New()

		require.NoError(t, records.UpsertContactEmail(ctx, userID, "Ada.Lovelace@gmail.com", "adalovelace@gmail.com"))
		require.NoError(t, records.UpsertContactEmail(ctx, userID, "adalovelace+crm@gmail.com", "adalovelace@gmail.com"))

		var raw string
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT raw_email, (SELECT count(*) FROM contact_emails WHERE user_id = $1)
			 FROM contact_emails WHERE user_id = $1 AND normalized_email = $2`,
			userID, "adalovelace@gmail.com").Scan(&raw, &count)
		require.NoError(t, err)
		assert.Equal(t, "adalovelace+crm@gmail.com", raw, "latest raw spelling wins")
		assert.Equal(t, 1, count, "spellings of one address share a row")
	})
}

func TestPostgresRecordStoreSyncCursorRoundTrip(t *testing.T) {
	t.Parallel()
	db := testdb.MustOpen(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		records := postgres.NewPostgresRecordStore(db).WithTx(tx)
		userID := uuid.New()

		_, err := records.GetSyncCursor(ctx, userID, "gmail")
		assert.ErrorIs(t, err, store.ErrNotFound)

		now := time.Now().UTC()
		require.NoError(t, records.UpsertSyncCursor(ctx, userID, "gmail", "12345", now))
		require.NoError(t, records.UpsertSyncCursor(ctx, userID, "gmail", "12400", now.Add(time.Minute)))
		require.NoError(t, records.UpsertSyncCursor(ctx, userID, "calendar:primary", "tok-7", now))

		cursor, err := records.GetSyncCursor(ctx, userID, "gmail")
		require.NoError(t, err)
		assert.Equal(t, "12400", cursor)

		cursor, err = records.GetSyncCursor(ctx, userID, "calendar:primary")
		require.NoError(t, err)
		assert.Equal(t, "tok-7", cursor)
	})
}
