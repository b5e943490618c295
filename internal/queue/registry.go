// Package queue implements the background job subsystem: the handler
// registry, the dispatcher with retry and backoff, the batch coordinator,
// and the periodic run trigger. Persistence lives behind the store
// interfaces; this package owns the lifecycle semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/covecrm/cove-api/internal/domain"
)

// ErrUnknownKind is returned when a job carries a kind no handler was
// registered for. This is a configuration error, not a runtime job failure,
// and is always fatal.
var ErrUnknownKind = errors.New("no handler registered for job kind")

// Handler processes one claimed job. A nil return completes the job; an
// error return is classified by the dispatcher as retryable or fatal.
// Handlers must tolerate at-least-once delivery: a crash between claim and
// completion means the same logical job may be invoked again.
type Handler func(ctx context.Context, job *domain.Job) error

// Registry is the fixed mapping from job kind to handler. It is populated
// once at construction and never mutated afterwards, so lookups need no
// locking.
type Registry struct {
	handlers map[domain.JobKind]Handler
	validate *validator.Validate
}

// NewRegistry creates a registry from a complete kind-to-handler map.
// Registering an invalid kind is rejected immediately rather than failing
// at dispatch time.
func NewRegistry(handlers map[domain.JobKind]Handler) (*Registry, error) {
	if len(handlers) == 0 {
		return nil, errors.New("registry requires at least one handler")
	}

	for kind, h := range handlers {
		if !domain.IsValidJobKind(kind) {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidJobKind, kind)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for kind %q", kind)
		}
	}

	reg := make(map[domain.JobKind]Handler, len(handlers))
	for kind, h := range handlers {
		reg[kind] = h
	}

	return &Registry{
		handlers: reg,
		validate: validator.New(),
	}, nil
}

// Resolve returns the handler for the job's kind.
// An unregistered kind yields ErrUnknownKind.
func (r *Registry) Resolve(kind domain.JobKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds returns the kinds this registry can dispatch.
func (r *Registry) Kinds() []domain.JobKind {
	kinds := make([]domain.JobKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// DecodePayload unmarshals and validates a job payload into the typed
// struct for its kind. A payload that cannot decode or validate can never
// succeed, so the error is fatal.
func DecodePayload[T any](v *validator.Validate, job *domain.Job) (T, error) {
	var payload T

	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, Fatal(fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}

	if err := v.Struct(&payload); err != nil {
		return payload, Fatal(fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}

	return payload, nil
}

// TypedHandler wraps a handler that works on the decoded payload shape for
// its kind, performing the decode-and-validate step at the registry
// boundary so handlers never see raw JSON.
func TypedHandler[T any](fn func(ctx context.Context, job *domain.Job, payload T) error) Handler {
	v := validator.New()
	return func(ctx context.Context, job *domain.Job) error {
		payload, err := DecodePayload[T](v, job)
		if err != nil {
			return err
		}
		return fn(ctx, job, payload)
	}
}
