// Package testdb provides helpers for integration tests that need a real
// Postgres database. Tests using it skip unless DATABASE_URL is set, so
// the default `go test ./...` run stays hermetic.
package testdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

// URL returns the integration test database URL, or "" when none is
// configured.
func URL() string {
	return os.Getenv("DATABASE_URL")
}

// MustOpen opens the integration test database, runs all migrations, and
// registers cleanup. Tests are skipped when DATABASE_URL is unset.
func MustOpen(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := URL()
	if dbURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	db, err := sql.Open("pgx", dbURL)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	migrate(t, db)
	return db
}

// WithTx runs fn inside a transaction that is always rolled back, so
// concurrent tests never see each other's rows.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.Begin()
	require.NoError(t, err, "failed to begin transaction")
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			t.Errorf("failed to roll back test transaction: %v", err)
		}
	}()

	fn(t, tx)
}

func migrate(t *testing.T, db *sql.DB) {
	t.Helper()

	root, err := findModuleRoot()
	require.NoError(t, err, "failed to find module root")

	migrationsDir := filepath.Join(root, "internal", "platform", "postgres", "migrations")
	require.DirExists(t, migrationsDir)

	goose.SetLogger(goose.NopLogger())
	goose.SetTableName("schema_migrations")
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, migrationsDir))
}

func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", dir)
		}
		dir = parent
	}
}
