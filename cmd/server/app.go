package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/covecrm/cove-api/internal/config"
	"github.com/covecrm/cove-api/internal/generation"
	"github.com/covecrm/cove-api/internal/platform/gemini"
	"github.com/covecrm/cove-api/internal/platform/postgres"
	"github.com/covecrm/cove-api/internal/queue"
	"github.com/covecrm/cove-api/internal/service"
	"github.com/covecrm/cove-api/internal/service/auth"
	"github.com/covecrm/cove-api/internal/store"
)

// application holds all shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	// Stores (interfaces for proper abstraction)
	jobStore    store.JobStore
	quotaStore  store.QuotaStore
	recordStore *postgres.PostgresRecordStore

	// Services
	jwtService auth.JWTService
	generator  generation.Generator
	google     *service.GoogleWorkspaceService

	// Queue machinery
	registry   *queue.Registry
	batches    *queue.Batches
	dispatcher *queue.Dispatcher
	trigger    *queue.Trigger
}

// newApplication creates an application instance with all dependencies
// initialized. The configuration, logger, and database connection must be
// established before calling this.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: log,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	// Stores
	app.jobStore = postgres.NewPostgresJobStore(db)
	app.recordStore = postgres.NewPostgresRecordStore(db)
	app.quotaStore, err = postgres.NewPostgresQuotaStore(db, cfg.Quota.Window, cfg.Quota.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize quota store: %w", err)
	}

	// AI provider client
	app.generator, err = gemini.NewGenerator(ctx, log.With("component", "llm_generator"), cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM generator: %w", err)
	}
	log.Info("LLM generator initialized", "model", cfg.LLM.ModelName)

	// Batch coordinator (also the enqueuer the sync service fans out
	// follow-up jobs through)
	app.batches, err = queue.NewBatches(app.jobStore, log.With("component", "batches"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize batch coordinator: %w", err)
	}

	// Google Workspace sync service. Deployments without Google
	// credentials run with unimplemented clients; sync jobs then fail
	// fatally instead of burning retries.
	app.google, err = service.NewGoogleWorkspaceService(
		service.UnimplementedGmailClient{},
		service.UnimplementedCalendarClient{},
		app.recordStore,
		app.recordStore,
		app.batches,
		log.With("component", "google_sync"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize google sync service: %w", err)
	}

	// Handler registry
	app.registry, err = service.NewJobRegistry(service.JobHandlerDeps{
		Generator:  app.generator,
		Insights:   app.recordStore,
		Embeddings: app.recordStore,
		Mail:       app.google,
		Calendar:   app.google,
		Logger:     log.With("component", "job_handlers"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build job registry: %w", err)
	}

	// Dispatcher and its periodic trigger
	app.dispatcher, err = queue.NewDispatcher(
		app.jobStore,
		app.quotaStore,
		app.registry,
		queue.DispatcherConfig{
			BatchLimit:  cfg.Queue.BatchLimit,
			Concurrency: cfg.Queue.Concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff: queue.BackoffPolicy{
				Base: cfg.Queue.BaseDelay,
				Max:  cfg.Queue.MaxBackoff,
			},
			RunDeadline:    cfg.Queue.RunDeadline,
			StaleAge:       cfg.Queue.StaleAge,
			RateLimitDelay: cfg.Quota.RateLimitDelay,
		},
		log.With("component", "dispatcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	app.trigger, err = queue.NewTrigger(app.dispatcher, cfg.Queue.PollInterval,
		log.With("component", "trigger"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue trigger: %w", err)
	}

	log.Info("application initialized")
	return app, nil
}

// Run starts the periodic queue trigger and the HTTP server, blocking
// until shutdown.
func (app *application) Run(ctx context.Context) error {
	app.trigger.Start()

	router, err := app.setupRouter()
	if err != nil {
		return fmt.Errorf("failed to set up router: %w", err)
	}

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.trigger != nil {
		app.trigger.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
