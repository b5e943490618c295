package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffEnvelope(t *testing.T) {
	t.Parallel()

	policy := BackoffPolicy{Base: time.Second, Max: 5 * time.Minute}

	t.Run("doubles per attempt until the cap", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, 1*time.Second, policy.Envelope(0))
		assert.Equal(t, 2*time.Second, policy.Envelope(1))
		assert.Equal(t, 4*time.Second, policy.Envelope(2))
		assert.Equal(t, 8*time.Second, policy.Envelope(3))
		assert.Equal(t, 256*time.Second, policy.Envelope(8))
	})

	t.Run("caps at Max", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, 5*time.Minute, policy.Envelope(9))
		assert.Equal(t, 5*time.Minute, policy.Envelope(20))
		// A huge attempt count must not overflow past the cap.
		assert.Equal(t, 5*time.Minute, policy.Envelope(1000))
	})

	t.Run("negative attempts clamp to zero", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, policy.Envelope(0), policy.Envelope(-3))
	})
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	policy := BackoffPolicy{Base: time.Second, Max: 5 * time.Minute}

	t.Run("stays within the jittered envelope", func(t *testing.T) {
		t.Parallel()

		for attempts := 0; attempts < 12; attempts++ {
			envelope := policy.Envelope(attempts)
			for i := 0; i < 50; i++ {
				d := policy.Delay(attempts)
				assert.GreaterOrEqual(t, d, envelope,
					"delay below envelope for attempts=%d", attempts)
				assert.LessOrEqual(t, d, envelope+envelope/4+time.Millisecond,
					"delay above jitter bound for attempts=%d", attempts)
			}
		}
	})

	t.Run("never exceeds Max", func(t *testing.T) {
		t.Parallel()

		for i := 0; i < 100; i++ {
			assert.LessOrEqual(t, policy.Delay(50), 5*time.Minute)
		}
	})
}
