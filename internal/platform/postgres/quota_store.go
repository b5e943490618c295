package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/platform/logger"
	"github.com/covecrm/cove-api/internal/store"
)

// PostgresQuotaStore implements the store.QuotaStore interface using
// PostgreSQL: an append-only quota_events ledger counted over a trailing
// window.
//
// Check-and-admit is one atomic unit: the transaction takes a per-user
// advisory lock before the conditional insert, so two concurrent TryAdmit
// calls for the same user serialize and can never both observe room under
// the limit. A plain count-then-insert would admit both.
type PostgresQuotaStore struct {
	db     *sql.DB
	window time.Duration
	limit  int
}

// NewPostgresQuotaStore creates a quota ledger admitting at most limit
// events per user inside the trailing window.
func NewPostgresQuotaStore(db *sql.DB, window time.Duration, limit int) (*PostgresQuotaStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if window <= 0 || limit <= 0 {
		return nil, errors.New("quota window and limit must be positive")
	}

	return &PostgresQuotaStore{
		db:     db,
		window: window,
		limit:  limit,
	}, nil
}

// TryAdmit implements store.QuotaStore.
func (s *PostgresQuotaStore) TryAdmit(ctx context.Context, userID uuid.UUID) (store.Admission, error) {
	log := logger.FromContext(ctx)

	var admission store.Admission
	windowSecs := s.window.Seconds()

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		// Serialize admits for this user. The lock is transaction-scoped and
		// released automatically on commit or rollback.
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
			userID,
		); err != nil {
			return MapError(err)
		}

		// Conditional insert: the event is recorded only while the trailing
		// window still has room.
		result, err := tx.ExecContext(ctx, `
			INSERT INTO quota_events (user_id, occurred_at)
			SELECT $1, now()
			WHERE (
				SELECT count(*)
				FROM quota_events
				WHERE user_id = $1
				  AND occurred_at > now() - make_interval(secs => $2)
			) < $3
		`, userID, windowSecs, s.limit)
		if err != nil {
			return MapError(err)
		}

		inserted, err := result.RowsAffected()
		if err != nil {
			return MapError(err)
		}

		if inserted > 0 {
			admission = store.Admission{Admitted: true}

			// Events outside the window no longer affect any count; pruning
			// them here is an optimization, not a correctness requirement.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM quota_events
				WHERE user_id = $1
				  AND occurred_at <= now() - make_interval(secs => $2)
			`, userID, windowSecs); err != nil {
				log.Warn("quota event pruning failed", "user_id", userID, "error", err)
			}
			return nil
		}

		// Denied: the window has room again once its oldest event expires.
		var oldest time.Time
		err = tx.QueryRowContext(ctx, `
			SELECT occurred_at
			FROM quota_events
			WHERE user_id = $1
			  AND occurred_at > now() - make_interval(secs => $2)
			ORDER BY occurred_at ASC
			LIMIT 1
		`, userID, windowSecs).Scan(&oldest)
		if err != nil {
			return MapError(err)
		}

		retryAfter := time.Until(oldest.Add(s.window))
		if retryAfter < 0 {
			retryAfter = 0
		}
		admission = store.Admission{Admitted: false, RetryAfter: retryAfter}
		return nil
	})
	if err != nil {
		log.Error("quota admit failed", "user_id", userID, "error", err)
		return store.Admission{}, store.NewStoreError("quota_event", "try_admit", "admit transaction failed", err)
	}

	return admission, nil
}
