package queue

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/cove-api/internal/domain"
	"github.com/covecrm/cove-api/internal/store"
)

// MemJobStore is an in-memory store.JobStore mirroring the SQL semantics
// under a mutex. It backs the dispatcher, batch and property tests and is
// not meant for production use.
type MemJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job

	// Now is the clock; tests override it to simulate time passing.
	Now func() time.Time

	// EnqueueFn and ClaimFn, when set, replace the corresponding operation.
	// Tests use them to inject storage failures.
	EnqueueFn func(ctx context.Context, job *domain.Job) error
	ClaimFn   func(ctx context.Context, limit int) ([]*domain.Job, error)
}

// NewMemJobStore creates an empty in-memory job store.
func NewMemJobStore() *MemJobStore {
	return &MemJobStore{
		jobs: make(map[uuid.UUID]*domain.Job),
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue implements store.JobStore.
func (s *MemJobStore) Enqueue(ctx context.Context, job *domain.Job) error {
	if s.EnqueueFn != nil {
		return s.EnqueueFn(ctx, job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return store.NewStoreError("job", "enqueue", "duplicate job ID", store.ErrDuplicate)
	}

	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// EnqueueAll implements store.JobStore. The in-memory insert is atomic
// under the store mutex.
func (s *MemJobStore) EnqueueAll(ctx context.Context, jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			return store.NewStoreError("job", "enqueue_all", "duplicate job ID", store.ErrDuplicate)
		}
	}
	for _, job := range jobs {
		clone := *job
		s.jobs[job.ID] = &clone
	}
	return nil
}

// ClaimBatch implements store.JobStore: eligible queued jobs transition to
// processing with attempts incremented, oldest first. The whole claim is
// one critical section, so concurrent claimers never share a job.
func (s *MemJobStore) ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	if s.ClaimFn != nil {
		return s.ClaimFn(ctx, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()

	eligible := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusQueued && !job.NotBefore.After(now) {
			eligible = append(eligible, job)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*domain.Job, 0, len(eligible))
	for _, job := range eligible {
		job.Status = domain.JobStatusProcessing
		job.Attempts++
		job.UpdatedAt = now

		clone := *job
		claimed = append(claimed, &clone)
	}

	return claimed, nil
}

// Complete implements store.JobStore.
func (s *MemJobStore) Complete(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processingJob(jobID, "complete")
	if err != nil {
		return err
	}

	job.Status = domain.JobStatusCompleted
	job.UpdatedAt = s.Now()
	return nil
}

// Fail implements store.JobStore.
func (s *MemJobStore) Fail(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processingJob(jobID, "fail")
	if err != nil {
		return err
	}

	job.LastError = errMsg
	job.UpdatedAt = s.Now()

	if retryAt != nil {
		job.Status = domain.JobStatusQueued
		job.NotBefore = *retryAt
		return nil
	}

	job.Status = domain.JobStatusFailed
	return nil
}

// ReleaseRateLimited implements store.JobStore.
func (s *MemJobStore) ReleaseRateLimited(ctx context.Context, jobID uuid.UUID, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processingJob(jobID, "release_rate_limited")
	if err != nil {
		return err
	}

	job.Status = domain.JobStatusQueued
	job.NotBefore = retryAt
	job.RateLimitHits++
	job.LastError = "rate_limited"
	job.UpdatedAt = s.Now()
	return nil
}

// CancelQueuedByBatch implements store.JobStore.
func (s *MemJobStore) CancelQueuedByBatch(ctx context.Context, batchID, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled int64
	now := s.Now()
	for _, job := range s.jobs {
		if job.BatchID == nil || *job.BatchID != batchID || job.UserID != userID {
			continue
		}
		if job.Status != domain.JobStatusQueued {
			continue
		}
		job.Status = domain.JobStatusCancelled
		job.UpdatedAt = now
		cancelled++
	}
	return cancelled, nil
}

// RequeueStale implements store.JobStore.
func (s *MemJobStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	cutoff := now.Add(-olderThan)

	var swept int64
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			job.Status = domain.JobStatusQueued
			job.NotBefore = now
			job.UpdatedAt = now
			swept++
		}
	}
	return swept, nil
}

// ListByBatch implements store.JobStore.
func (s *MemJobStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.BatchID != nil && *job.BatchID == batchID {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// ListByUserAndStatus implements store.JobStore.
func (s *MemJobStore) ListByUserAndStatus(ctx context.Context, userID uuid.UUID, status domain.JobStatus) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.UserID == userID && job.Status == status {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// CountsByBatch implements store.JobStore.
func (s *MemJobStore) CountsByBatch(ctx context.Context, batchID uuid.UUID) (store.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts store.StatusCounts
	for _, job := range s.jobs {
		if job.BatchID == nil || *job.BatchID != batchID {
			continue
		}
		counts.Total++
		switch job.Status {
		case domain.JobStatusQueued:
			counts.Queued++
		case domain.JobStatusProcessing:
			counts.Processing++
		case domain.JobStatusCompleted:
			counts.Completed++
		case domain.JobStatusFailed:
			counts.Failed++
		case domain.JobStatusCancelled:
			counts.Cancelled++
		}
	}
	return counts, nil
}

// StatsByUser implements store.JobStore.
func (s *MemJobStore) StatsByUser(ctx context.Context, userID uuid.UUID) ([]store.KindStatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		kind   domain.JobKind
		status domain.JobStatus
	}
	agg := make(map[key]int)
	for _, job := range s.jobs {
		if job.UserID == userID {
			agg[key{job.Kind, job.Status}]++
		}
	}

	stats := make([]store.KindStatusCount, 0, len(agg))
	for k, count := range agg {
		stats = append(stats, store.KindStatusCount{Kind: k.kind, Status: k.status, Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

// WithTx implements store.JobStore. The in-memory store has no
// transactions; it returns itself.
func (s *MemJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return s
}

// Get returns a copy of the stored job, for test assertions.
func (s *MemJobStore) Get(jobID uuid.UUID) (*domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	clone := *job
	return &clone, true
}

// processingJob fetches a job expected to be in processing. Mutations on
// terminal jobs are refused, preserving terminal stability.
func (s *MemJobStore) processingJob(jobID uuid.UUID, op string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, store.NewStoreError("job", op, "job already terminal", store.ErrJobTerminal)
	}
	return job, nil
}

// MemQuotaStore is an in-memory store.QuotaStore: a per-user sliding window
// of admitted events guarded by one mutex, so check-and-admit is atomic.
type MemQuotaStore struct {
	mu     sync.Mutex
	events map[uuid.UUID][]time.Time

	window time.Duration
	limit  int

	// Now is the clock; tests override it to roll the window.
	Now func() time.Time
}

// NewMemQuotaStore creates an in-memory quota ledger admitting at most
// limit events per user inside the trailing window.
func NewMemQuotaStore(window time.Duration, limit int) *MemQuotaStore {
	return &MemQuotaStore{
		events: make(map[uuid.UUID][]time.Time),
		window: window,
		limit:  limit,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// TryAdmit implements store.QuotaStore.
func (s *MemQuotaStore) TryAdmit(ctx context.Context, userID uuid.UUID) (store.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	cutoff := now.Add(-s.window)

	recent := s.events[userID][:0]
	for _, at := range s.events[userID] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	s.events[userID] = recent

	if len(recent) < s.limit {
		s.events[userID] = append(recent, now)
		return store.Admission{Admitted: true}, nil
	}
	if len(recent) == 0 {
		// limit <= 0 admits nothing and has no event to derive a hint from.
		return store.Admission{Admitted: false}, nil
	}

	retryAfter := recent[0].Add(s.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return store.Admission{Admitted: false, RetryAfter: retryAfter}, nil
}
