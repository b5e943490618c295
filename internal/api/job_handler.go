// Package api contains the HTTP handlers for the job queue endpoints.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/api/middleware"
	"github.com/covecrm/cove-api/internal/api/shared"
	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/platform/logger"
	"github.com/covecrm/cove-api/internal/queue"
	"github.com/covecrm/cove-api/internal/store"
)

// JobHandler exposes the enqueue, batch, stats, and queue-run endpoints.
// All endpoints operate on behalf of the authenticated user taken from the
// request context.
type JobHandler struct {
	batches    *queue.Batches
	dispatcher *queue.Dispatcher
	batchLimit int
	logger     *slog.Logger
}

// NewJobHandler creates a handler with its required dependencies.
// batchLimit is the maximum number of jobs a manual queue run may claim.
func NewJobHandler(
	batches *queue.Batches,
	dispatcher *queue.Dispatcher,
	batchLimit int,
	log *slog.Logger,
) (*JobHandler, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch coordinator cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if batchLimit <= 0 {
		return nil, fmt.Errorf("batch limit must be positive, got %d", batchLimit)
	}
	if log == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &JobHandler{
		batches:    batches,
		dispatcher: dispatcher,
		batchLimit: batchLimit,
		logger:     log.With("component", "job_handler"),
	}, nil
}

// EnqueueJob handles POST /jobs. It queues a single job of the requested
// kind for the authenticated user.
func (h *JobHandler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req EnqueueJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request payload", err)
		return
	}
	if !domain.IsValidJobKind(req.Kind) {
		shared.RespondWithError(w, r, http.StatusBadRequest, GetSafeErrorMessage(domain.ErrInvalidJobKind))
		return
	}

	jobID, err := h.batches.Enqueue(ctx, userID, req.Kind, req.Payload, req.BatchID)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("job enqueue accepted", "job_id", jobID, "job_kind", req.Kind)
	shared.RespondWithJSON(w, r, http.StatusCreated, EnqueueJobResponse{JobID: jobID})
}

// EnqueueBatch handles POST /batches. It queues one job per payload under
// a shared batch ID, atomically.
func (h *JobHandler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req EnqueueBatchRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request payload", err)
		return
	}
	if !domain.IsValidJobKind(req.Kind) {
		shared.RespondWithError(w, r, http.StatusBadRequest, GetSafeErrorMessage(domain.ErrInvalidJobKind))
		return
	}

	batchID, jobIDs, err := h.batches.EnqueueBatch(ctx, userID, req.Kind, req.Payloads)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("batch enqueue accepted",
		"batch_id", batchID,
		"job_kind", req.Kind,
		"job_count", len(jobIDs))
	shared.RespondWithJSON(w, r, http.StatusCreated, EnqueueBatchResponse{
		BatchID: batchID,
		JobIDs:  jobIDs,
	})
}

// GetBatchStatus handles GET /batches/{batchID}. It returns the batch's
// per-status job counts.
func (h *JobHandler) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := middleware.GetUserID(r); !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	counts, err := h.batches.BatchStatus(ctx, batchID)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, BatchStatusResponse{
		BatchID:      batchID,
		StatusCounts: counts,
	})
}

// CancelBatch handles DELETE /batches/{batchID}. It cancels the batch's
// still-queued jobs; jobs already processing run to completion.
func (h *JobHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	cancelled, err := h.batches.CancelBatch(ctx, batchID, userID)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, CancelBatchResponse{
		BatchID:   batchID,
		Cancelled: cancelled,
	})
}

// GetJobStats handles GET /jobs/stats. It aggregates the authenticated
// user's jobs by kind and status.
func (h *JobHandler) GetJobStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	stats, err := h.batches.UserStats(ctx, userID)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}
	if stats == nil {
		stats = []store.KindStatusCount{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, JobStatsResponse{Stats: stats})
}

// RunQueue handles POST /queue/run. It triggers one dispatcher pass and
// returns its summary, for operational use alongside the scheduled trigger.
func (h *JobHandler) RunQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if _, ok := middleware.GetUserID(r); !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	summary, err := h.dispatcher.RunOnce(ctx, h.batchLimit)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, "Queue run failed", err)
		return
	}

	log.Info("manual queue run finished",
		"run_id", summary.RunID,
		"claimed", summary.Claimed,
		"succeeded", summary.Succeeded,
		"retried", summary.Retried,
		"failed", summary.Failed,
		"rate_limited", summary.RateLimited)
	shared.RespondWithJSON(w, r, http.StatusOK, summary)
}
