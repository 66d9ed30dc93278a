package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes how long to wait before the given attempt.
// Attempts are numbered from 1.
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffPolicy
type BackoffFunc func(attempt int) time.Duration

// NextDelay implements BackoffPolicy
func (f BackoffFunc) NextDelay(attempt int) time.Duration {
	return f(attempt)
}

// LinearBackoff grows the delay by Step per attempt and never exceeds Max
type LinearBackoff struct {
	Step time.Duration
	Max  time.Duration
}

// NewLinearBackoff creates a linear backoff policy
func NewLinearBackoff(step, max time.Duration) *LinearBackoff {
	return &LinearBackoff{
		Step: step,
		Max:  max,
	}
}

// DefaultConnectBackoff waits one more second per failed attempt, capped at ten seconds
func DefaultConnectBackoff() *LinearBackoff {
	return NewLinearBackoff(time.Second, 10*time.Second)
}

// NextDelay implements BackoffPolicy
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if l.Max > 0 && l.Step > 0 && time.Duration(attempt) > l.Max/l.Step {
		return l.Max
	}
	delay := l.Step * time.Duration(attempt)
	if l.Max > 0 && delay > l.Max {
		return l.Max
	}
	return delay
}

// ExponentialBackoff implements exponential backoff with optional jitter
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements BackoffPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. RetryUntilCancelled returns
// the wrapped error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryUntilCancelled calls fn until it succeeds, sleeping according to
// policy between attempts. It gives up when ctx is done, returning
// ctx.Err(), or when fn returns a Permanent error. onFailure, when set, observes every failed attempt together
// with the delay that follows it.
func RetryUntilCancelled(ctx context.Context, policy BackoffPolicy, fn func(attempt int) error, onFailure func(attempt int, err error, delay time.Duration)) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}

		delay := policy.NextDelay(attempt)
		if onFailure != nil {
			onFailure(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
