package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/covecrm/cove-api/internal/api"
	apimiddleware "github.com/covecrm/cove-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all
// routes and middleware.
func (app *application) setupRouter() (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceID)

	jobHandler, err := api.NewJobHandler(
		app.batches,
		app.dispatcher,
		app.config.Queue.BatchLimit,
		app.logger,
	)
	if err != nil {
		return nil, err
	}
	authMiddleware := apimiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/jobs", jobHandler.EnqueueJob)
			r.Get("/jobs/stats", jobHandler.GetJobStats)

			r.Post("/batches", jobHandler.EnqueueBatch)
			r.Get("/batches/{batchID}", jobHandler.GetBatchStatus)
			r.Delete("/batches/{batchID}", jobHandler.CancelBatch)

			r.Post("/queue/run", jobHandler.RunQueue)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r, nil
}
