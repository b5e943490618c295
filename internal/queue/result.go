package queue

import (
	"errors"
)

// ErrQuotaExhausted signals that the job's user has no AI quota left in the
// current window. The dispatcher releases the job on a short fixed delay
// instead of consuming retry budget.
var ErrQuotaExhausted = errors.New("rate_limited: user AI quota exhausted")

// fatalError marks an error as non-retryable. Retry policy is a pure
// function of (attempts, classification), so classification travels on the
// error value rather than through control flow.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal wraps err so the dispatcher marks the job failed immediately,
// without retries. Use it for conditions that can never succeed: unknown
// kinds, payloads that fail validation, provider refusals.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
