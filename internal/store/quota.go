package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Admission is the result of one quota check.
type Admission struct {
	// Admitted reports whether the usage event was recorded under the limit.
	Admitted bool

	// RetryAfter estimates when the trailing window will have room again.
	// Only meaningful when Admitted is false.
	RetryAfter time.Duration
}

// QuotaStore is the per-user usage ledger gating AI-invoking job kinds.
//
// TryAdmit must be a single atomic check-and-admit: under no schedule of
// concurrent calls for the same user may the number of admitted events in
// any trailing window exceed the configured limit. Implementations must not
// expose separate count and insert steps.
type QuotaStore interface {
	TryAdmit(ctx context.Context, userID uuid.UUID) (Admission, error)
}
