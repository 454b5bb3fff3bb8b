package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffRetryer(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		retryer := NewExponentialBackoffRetryer()

		delay, shouldRetry := retryer.NextDelay(0, nil)
		assert.True(t, shouldRetry)
		assert.GreaterOrEqual(t, delay, 700*time.Millisecond) // 1s - 30% jitter
		assert.LessOrEqual(t, delay, 1300*time.Millisecond)   // 1s + 30% jitter

		delay, shouldRetry = retryer.NextDelay(1, nil)
		assert.True(t, shouldRetry)
		assert.GreaterOrEqual(t, delay, 1400*time.Millisecond)
		assert.LessOrEqual(t, delay, 2600*time.Millisecond)

		delay, shouldRetry = retryer.NextDelay(7, nil)
		assert.True(t, shouldRetry)
		assert.LessOrEqual(t, delay, 39*time.Second, "capped at 30s plus jitter")

		_, shouldRetry = retryer.NextDelay(8, nil)
		assert.False(t, shouldRetry)
	})

	t.Run("without jitter", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     1 * time.Second,
			Multiplier:   2.0,
		}

		for attempt, want := range []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			1 * time.Second,
			1 * time.Second,
		} {
			delay, shouldRetry := retryer.NextDelay(attempt, nil)
			assert.True(t, shouldRetry)
			assert.Equal(t, want, delay, "attempt %d", attempt)
		}
	})

	t.Run("with max retries", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			MaxRetries:   3,
		}

		for attempt := range 3 {
			_, shouldRetry := retryer.NextDelay(attempt, nil)
			assert.True(t, shouldRetry)
		}
		_, shouldRetry := retryer.NextDelay(3, nil)
		assert.False(t, shouldRetry)
	})

	t.Run("jitter bounds", func(t *testing.T) {
		retryer := NewExponentialBackoffRetryer()

		retryer.rand = func() float64 { return 0 }
		delay, _ := retryer.NextDelay(0, nil)
		assert.Equal(t, 700*time.Millisecond, delay)

		retryer.rand = func() float64 { return 0.5 }
		delay, _ = retryer.NextDelay(7, nil)
		assert.Equal(t, 30*time.Second, delay, "no jitter at the midpoint")

		retryer.rand = func() float64 { return 0.999999 }
		delay, _ = retryer.NextDelay(7, nil)
		assert.Less(t, delay, 39*time.Second)
	})

	t.Run("multiplier of one holds the initial delay", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   1,
		}
		delay, shouldRetry := retryer.NextDelay(50, nil)
		assert.True(t, shouldRetry)
		assert.Equal(t, 250*time.Millisecond, delay)
	})
}

func TestExponentialBackoffRetryerValidate(t *testing.T) {
	require.NoError(t, NewExponentialBackoffRetryer().Validate())

	testCases := []struct {
		name   string
		modify func(r *ExponentialBackoffRetryer)
	}{
		{"zero initial delay", func(r *ExponentialBackoffRetryer) { r.InitialDelay = 0 }},
		{"ceiling below initial", func(r *ExponentialBackoffRetryer) { r.MaxDelay = r.InitialDelay / 2 }},
		{"shrinking multiplier", func(r *ExponentialBackoffRetryer) { r.Multiplier = 0.5 }},
		{"jitter of one", func(r *ExponentialBackoffRetryer) { r.JitterFactor = 1 }},
		{"negative jitter", func(r *ExponentialBackoffRetryer) { r.JitterFactor = -0.1 }},
		{"negative retries", func(r *ExponentialBackoffRetryer) { r.MaxRetries = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewExponentialBackoffRetryer()
			tc.modify(r)
			assert.Error(t, r.Validate())

			cfg := NewConfig()
			cfg.Retryer = r
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFixedDelayRetryer(t *testing.T) {
	retryer := NewFixedDelayRetryer(500*time.Millisecond, 2)

	delay, shouldRetry := retryer.NextDelay(0, nil)
	assert.True(t, shouldRetry)
	assert.Equal(t, 500*time.Millisecond, delay)

	delay, shouldRetry = retryer.NextDelay(1, nil)
	assert.True(t, shouldRetry)
	assert.Equal(t, 500*time.Millisecond, delay)

	_, shouldRetry = retryer.NextDelay(2, nil)
	assert.False(t, shouldRetry)

	infinite := NewFixedDelayRetryer(time.Second, 0)
	_, shouldRetry = infinite.NextDelay(1000, nil)
	assert.True(t, shouldRetry)
}

func TestStateTransitions(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateDisconnected, StateConnecting},
		{StateDisconnected, StateDisconnected},
		{StateConnecting, StateConnected},
		{StateConnecting, StateConnecting},
		{StateConnecting, StateDisconnected},
		{StateConnected, StateConnecting},
		{StateConnected, StateDisconnected},
	}
	for _, tc := range valid {
		assert.NoError(t, tc.from.validateTransitionTo(tc.to), "%v -> %v", tc.from, tc.to)
	}

	assert.Error(t, StateDisconnected.validateTransitionTo(StateConnected))
	assert.Error(t, StateConnected.validateTransitionTo(StateConnected))
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "invalid", State(42).String())
}
