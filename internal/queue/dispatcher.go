package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/platform/logger"
	"github.com/covecrm/cove-api/internal/store"
)

// DispatcherConfig tunes one dispatcher instance. Zero values are rejected
// by NewDispatcher; wiring maps them from the application config.
type DispatcherConfig struct {
	// BatchLimit caps how many queued jobs one run claims.
	BatchLimit int

	// Concurrency bounds simultaneous handler invocations within a run.
	Concurrency int

	// MaxAttempts is the retry budget for genuine transient failures.
	MaxAttempts int

	// Backoff computes the re-queue delay after a transient failure.
	Backoff BackoffPolicy

	// RunDeadline bounds the wall clock of the whole claimed batch, not a
	// single job. Jobs not started when it expires stay processing and are
	// re-queued later by the stale sweep.
	RunDeadline time.Duration

	// StaleAge is how long a processing job may go untouched before a run
	// sweeps it back to queued.
	StaleAge time.Duration

	// RateLimitDelay is the fixed re-queue delay for quota-denied jobs.
	RateLimitDelay time.Duration
}

// RunSummary aggregates the outcome counters of one run cycle.
type RunSummary struct {
	RunID       uuid.UUID     `json:"run_id"`
	Claimed     int           `json:"claimed"`
	Succeeded   int           `json:"succeeded"`
	Retried     int           `json:"retried"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rate_limited"`
	Unprocessed int           `json:"unprocessed"`
	StaleSwept  int64         `json:"stale_swept"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Dispatcher claims bounded batches of queued jobs and drives each through
// the per-job state machine: queued -> processing -> completed, queued
// (retry) or failed. All collaborator state is injected at construction;
// the dispatcher holds no ambient globals.
type Dispatcher struct {
	jobs     store.JobStore
	quota    store.QuotaStore
	registry *Registry
	cfg      DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
// Returns an error if any collaborator is missing or the config is invalid.
func NewDispatcher(
	jobs store.JobStore,
	quota store.QuotaStore,
	registry *Registry,
	cfg DispatcherConfig,
	log *slog.Logger,
) (*Dispatcher, error) {
	if jobs == nil {
		return nil, errors.New("job store cannot be nil")
	}
	if quota == nil {
		return nil, errors.New("quota store cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BatchLimit <= 0 || cfg.Concurrency <= 0 || cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("invalid dispatcher config: %+v", cfg)
	}
	if cfg.RunDeadline <= 0 || cfg.StaleAge <= 0 || cfg.RateLimitDelay <= 0 {
		return nil, fmt.Errorf("invalid dispatcher durations: %+v", cfg)
	}

	return &Dispatcher{
		jobs:     jobs,
		quota:    quota,
		registry: registry,
		cfg:      cfg,
		logger:   log,
	}, nil
}

// RunOnce executes one dispatch cycle: sweep stale jobs, claim up to
// maxJobs (capped at the configured batch limit; zero means the full
// limit), and process the claimed batch under the run deadline.
//
// Individual job failures never propagate out of the run; they are recorded
// on the job row and summarized in the returned counters. Only
// infrastructure failures (the claim query itself) return an error, in
// which case nothing has been marked failed.
func (d *Dispatcher) RunOnce(ctx context.Context, maxJobs int) (RunSummary, error) {
	start := time.Now()
	summary := RunSummary{RunID: uuid.New()}

	log := d.logger.With("run_id", summary.RunID)
	ctx = logger.WithLogger(ctx, log)

	// Sweep abandoned processing jobs first so a previous deadline-clipped
	// or crashed run cannot strand work forever.
	swept, err := d.jobs.RequeueStale(ctx, d.cfg.StaleAge)
	if err != nil {
		log.Warn("stale job sweep failed", "error", err)
	} else if swept > 0 {
		log.Info("re-queued stale processing jobs", "count", swept)
		summary.StaleSwept = swept
	}

	limit := maxJobs
	if limit <= 0 || limit > d.cfg.BatchLimit {
		limit = d.cfg.BatchLimit
	}

	claimed, err := d.jobs.ClaimBatch(ctx, limit)
	if err != nil {
		// Infrastructure failure: abort cleanly without touching any job.
		return summary, fmt.Errorf("failed to claim jobs: %w", err)
	}
	summary.Claimed = len(claimed)

	if len(claimed) == 0 {
		summary.Elapsed = time.Since(start)
		return summary, nil
	}

	log.Info("claimed jobs", "count", len(claimed), "limit", limit)

	// The deadline bounds handler execution across the whole batch.
	// Outcome write-backs use the undeadlined ctx so a job finishing right
	// at the wire still gets its state recorded.
	runCtx, cancel := context.WithDeadline(ctx, start.Add(d.cfg.RunDeadline))
	defer cancel()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, d.cfg.Concurrency)
	)

	for _, job := range claimed {
		if runCtx.Err() != nil {
			// Deadline hit mid-batch: remaining claims stay processing and
			// are picked up by a later run's stale sweep.
			mu.Lock()
			summary.Unprocessed++
			mu.Unlock()
			continue
		}

		select {
		case <-runCtx.Done():
			mu.Lock()
			summary.Unprocessed++
			mu.Unlock()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := d.process(runCtx, ctx, job)

			mu.Lock()
			switch outcome {
			case outcomeCompleted:
				summary.Succeeded++
			case outcomeRetried:
				summary.Retried++
			case outcomeRateLimited:
				summary.RateLimited++
			case outcomeFailed:
				summary.Failed++
			}
			mu.Unlock()
		}(job)
	}

	wg.Wait()

	summary.Elapsed = time.Since(start)
	log.Info("run cycle finished",
		"claimed", summary.Claimed,
		"succeeded", summary.Succeeded,
		"retried", summary.Retried,
		"failed", summary.Failed,
		"rate_limited", summary.RateLimited,
		"unprocessed", summary.Unprocessed,
		"elapsed", summary.Elapsed)

	return summary, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeRateLimited
	outcomeFailed
)

// process drives one claimed job to its next state. runCtx carries the
// batch deadline and is what handlers execute under; writeCtx is used for
// state write-backs so outcomes are recorded even after the deadline.
func (d *Dispatcher) process(runCtx, writeCtx context.Context, job *domain.Job) outcome {
	log := logger.FromContext(writeCtx).With(
		"job_id", job.ID,
		"job_kind", job.Kind,
		"user_id", job.UserID,
		"attempts", job.Attempts,
	)

	handler, err := d.registry.Resolve(job.Kind)
	if err != nil {
		// Unknown kind is a configuration error. Fail loudly, never retry.
		log.Error("job kind has no registered handler", "error", err)
		return d.failJob(writeCtx, log, job, Fatal(err))
	}

	if job.Kind.RequiresQuota() {
		admission, admitErr := d.quota.TryAdmit(runCtx, job.UserID)
		if admitErr != nil {
			// A failing ledger check is a transient infrastructure error,
			// not wasted handler work.
			log.Warn("quota admit check failed", "error", admitErr)
			return d.failJob(writeCtx, log, job, fmt.Errorf("quota check: %w", admitErr))
		}
		if !admission.Admitted {
			delay := d.cfg.RateLimitDelay
			if admission.RetryAfter > delay {
				delay = admission.RetryAfter
			}
			retryAt := time.Now().UTC().Add(delay)
			if err := d.jobs.ReleaseRateLimited(writeCtx, job.ID, retryAt); err != nil {
				log.Error("failed to release rate-limited job", "error", err)
			}
			log.Info("job rate-limited, released for retry", "retry_at", retryAt)
			return outcomeRateLimited
		}
	}

	err = d.invoke(runCtx, handler, job)

	if err == nil {
		if completeErr := d.jobs.Complete(writeCtx, job.ID); completeErr != nil {
			log.Error("failed to mark job completed", "error", completeErr)
		}
		log.Info("job completed")
		return outcomeCompleted
	}

	return d.failJob(writeCtx, log, job, err)
}

// invoke runs the handler, converting panics into ordinary failures so one
// misbehaving job can never abort the rest of the batch.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, job *domain.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()

	return handler(ctx, job)
}

// failJob applies the retry policy for a classified failure: fatal errors
// and exhausted budgets are terminal, everything else re-queues with
// exponential backoff. Quota hits never count against the budget.
func (d *Dispatcher) failJob(ctx context.Context, log *slog.Logger, job *domain.Job, jobErr error) outcome {
	if IsFatal(jobErr) {
		if err := d.jobs.Fail(ctx, job.ID, jobErr.Error(), nil); err != nil {
			log.Error("failed to mark job failed", "error", err)
		}
		log.Error("job failed fatally", "error", jobErr)
		return outcomeFailed
	}

	budgetUsed := job.Attempts - job.RateLimitHits
	if budgetUsed >= d.cfg.MaxAttempts {
		if err := d.jobs.Fail(ctx, job.ID, jobErr.Error(), nil); err != nil {
			log.Error("failed to mark job failed", "error", err)
		}
		log.Error("job failed terminally, retry budget exhausted",
			"error", jobErr,
			"budget_used", budgetUsed)
		return outcomeFailed
	}

	retryAt := time.Now().UTC().Add(d.cfg.Backoff.Delay(job.Attempts))
	if err := d.jobs.Fail(ctx, job.ID, jobErr.Error(), &retryAt); err != nil {
		log.Error("failed to re-queue job for retry", "error", err)
	}
	log.Warn("job failed, re-queued for retry",
		"error", jobErr,
		"retry_at", retryAt)
	return outcomeRetried
}
