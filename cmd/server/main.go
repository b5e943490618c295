// Package main implements the entry point for the Cove API server, the
// background job subsystem of the Cove CRM: a persisted job queue, its
// dispatcher, and the HTTP surface for enqueueing and inspecting jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/covecrm/cove-api/internal/config"
	"github.com/covecrm/cove-api/internal/platform/logger"
)

func main() {
	migrateCmd := flag.String("migrate", "",
		"run a migration command (up, down, reset, status, version, create) and exit")
	migrationName := flag.String("migration-name", "",
		"name for a new migration (used with -migrate create)")
	verbose := flag.Bool("verbose", false, "enable verbose migration logging")
	port := flag.Int("port", 0, "override the configured HTTP port")
	flag.Parse()

	if err := run(*migrateCmd, *migrationName, *verbose, *port); err != nil {
		fmt.Fprintf(os.Stderr, "cove-api: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, sets up logging, and either executes a
// migration command or starts the server.
func run(migrateCmd, migrationName string, verbose bool, port int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_batch_limit", cfg.Queue.BatchLimit,
		"queue_concurrency", cfg.Queue.Concurrency)

	if migrateCmd != "" {
		var args []string
		if migrateCmd == "create" && migrationName != "" {
			args = append(args, migrationName)
		}
		return runMigrations(cfg, migrateCmd, verbose, args...)
	}

	ctx := context.Background()

	db, err := setupDatabase(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}

	app, err := newApplication(ctx, cfg, log, db)
	if err != nil {
		// newApplication owns no resources yet besides the db handle.
		if closeErr := db.Close(); closeErr != nil {
			log.Error("failed to close database connection", "error", closeErr)
		}
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.Run(ctx)
}
