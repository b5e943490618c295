package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the delay before a retry attempt:
// min(Base * 2^attempts, Max) plus full jitter on top. The policy is
// stateless and safe for concurrent use.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff for a job that has made the given number of
// attempts. The deterministic envelope doubles per attempt and is capped
// at Max; jitter adds a random fraction of the envelope so simultaneous
// retries spread out.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	base := float64(p.Base) * math.Pow(2, float64(attempts))
	if p.Max > 0 && base > float64(p.Max) {
		base = float64(p.Max)
	}

	jitter := rand.Float64() * base * 0.25 //nolint:gosec // jitter intentionally uses non-crypto rand
	d := time.Duration(base + jitter)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Envelope returns the deterministic (jitter-free) delay for the given
// attempt count. Tests assert monotonic growth and the cap against this.
func (p BackoffPolicy) Envelope(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	base := float64(p.Base) * math.Pow(2, float64(attempts))
	if p.Max > 0 && base > float64(p.Max) {
		base = float64(p.Max)
	}
	return time.Duration(base)
}
