package connection

import (
	"errors"
	"math/rand/v2"
	"time"
)

// Retryer is the reconnect policy of a Manager.
//
// The Manager asks for a delay after every transport failure, both a lost
// connection and a failed dial, passing the number of attempts made since
// the last successful connect. When NextDelay reports false the Manager
// publishes reconnect_failed, goes to disconnected and stays there until the
// next Connect. Reset is called on every Connect and every successful dial.
//
// Authorization failures never reach the Retryer; the Manager hands them to
// the sign-out guard instead.
type Retryer interface {
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
	Reset()
}

// ExponentialBackoffRetryer grows the delay by Multiplier per attempt, up to
// MaxDelay, and gives up after MaxRetries attempts (0 retries forever).
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int

	// JitterFactor spreads each delay uniformly over ±JitterFactor of its
	// value so clients dropped together do not reconnect together.
	JitterFactor float64

	// rand returns a value in [0, 1). Tests replace it.
	rand func() float64
}

// NewExponentialBackoffRetryer returns the default policy: 1s doubling to a
// 30s ceiling with ±30% jitter, giving up after 8 attempts. With these
// values the Manager reports reconnect_failed roughly two and a half
// minutes after the connection dropped.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxRetries:   8,
		JitterFactor: 0.3,
	}
}

// Validate reports settings that would make the Manager spin or stall.
func (r *ExponentialBackoffRetryer) Validate() error {
	switch {
	case r.InitialDelay <= 0:
		return errors.New("connection.ExponentialBackoffRetryer: initial delay must be positive")
	case r.MaxDelay < r.InitialDelay:
		return errors.New("connection.ExponentialBackoffRetryer: ceiling is below the initial delay")
	case r.Multiplier < 1:
		return errors.New("connection.ExponentialBackoffRetryer: multiplier must be at least 1")
	case r.JitterFactor < 0 || r.JitterFactor >= 1:
		return errors.New("connection.ExponentialBackoffRetryer: jitter must be in [0, 1)")
	case r.MaxRetries < 0:
		return errors.New("connection.ExponentialBackoffRetryer: max retries must not be negative")
	}
	return nil
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := r.InitialDelay
	for range attempt {
		next := time.Duration(float64(delay) * r.Multiplier)
		if next < delay || next >= r.MaxDelay {
			delay = r.MaxDelay
			break
		}
		if next == delay {
			break
		}
		delay = next
	}
	delay = min(delay, r.MaxDelay)

	if r.JitterFactor > 0 {
		roll := rand.Float64 //nolint:gosec // jitter is not security sensitive
		if r.rand != nil {
			roll = r.rand
		}
		delay += time.Duration(float64(delay) * r.JitterFactor * (2*roll() - 1))
	}
	return delay, true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits Delay before every attempt and gives up after
// MaxRetries attempts (0 retries forever). Tests use it for fast reconnects.
type FixedDelayRetryer struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}
