package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

// Possible job status values. Completed, failed and cancelled are terminal:
// once a job reaches one of them no queue-driven transition occurs.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// JobKind identifies which registered handler processes a job.
type JobKind string

// The closed set of job kinds the queue dispatches.
const (
	JobKindInsight              JobKind = "insight"
	JobKindEmbed                JobKind = "embed"
	JobKindNormalizeGoogleEmail JobKind = "normalize_google_email"
	JobKindGoogleGmailSync      JobKind = "google_gmail_sync"
	JobKindGoogleCalendarSync   JobKind = "google_calendar_sync"
)

// Common validation errors for Job
var (
	ErrEmptyJobID      = errors.New("job ID cannot be empty")
	ErrEmptyJobUserID  = errors.New("job user ID cannot be empty")
	ErrInvalidJobKind  = errors.New("invalid job kind")
	ErrInvalidJobState = errors.New("invalid job status")
	ErrEmptyJobPayload = errors.New("job payload cannot be empty")
)

// Job represents one unit of deferred, kind-tagged work with a persisted
// lifecycle. The queue never inspects Payload beyond handing it to the
// handler registered for Kind.
type Job struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Kind   JobKind   `json:"kind"`

	// Payload is kind-specific data, decoded and validated at the handler
	// registry boundary rather than here.
	Payload json.RawMessage `json:"payload"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`

	// RateLimitHits counts claims that were released because the user's AI
	// quota was exhausted. Those claims do not consume retry budget.
	RateLimitHits int `json:"rate_limit_hits"`

	// LastError holds the most recent failure text. It is retained even
	// after the job eventually succeeds, for audit.
	LastError string `json:"last_error,omitempty"`

	// BatchID groups jobs created together as one logical unit of work.
	// Once set it is immutable.
	BatchID *uuid.UUID `json:"batch_id,omitempty"`

	// NotBefore is the earliest time the job is eligible to be claimed.
	// Retries push it forward by the computed backoff delay.
	NotBefore time.Time `json:"not_before"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a queued Job owned by userID with the given kind and
// payload. It generates a new UUID, zeroes the attempt counters, and makes
// the job immediately eligible for claim.
// Returns an error if validation fails.
func NewJob(userID uuid.UUID, kind JobKind, payload json.RawMessage, batchID *uuid.UUID) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		Status:    JobStatusQueued,
		Attempts:  0,
		BatchID:   batchID,
		NotBefore: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the Job has valid data.
// Returns an error if any field fails validation.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}

	if j.UserID == uuid.Nil {
		return ErrEmptyJobUserID
	}

	if !IsValidJobKind(j.Kind) {
		return ErrInvalidJobKind
	}

	if len(j.Payload) == 0 {
		return ErrEmptyJobPayload
	}

	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobState
	}

	return nil
}

// IsTerminal reports whether the job has reached a status from which no
// further queue-driven transition occurs.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidJobKind reports whether the given kind is part of the closed
// kind enumeration.
func IsValidJobKind(kind JobKind) bool {
	switch kind {
	case JobKindInsight, JobKindEmbed, JobKindNormalizeGoogleEmail,
		JobKindGoogleGmailSync, JobKindGoogleCalendarSync:
		return true
	default:
		return false
	}
}

// RequiresQuota reports whether the kind invokes a metered AI provider and
// must pass the quota ledger before its handler runs.
func (k JobKind) RequiresQuota() bool {
	switch k {
	case JobKindInsight, JobKindEmbed:
		return true
	default:
		return false
	}
}

func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}
