package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/SDVentures/Contour-sub001/internal/reliability"
	"github.com/SDVentures/Contour-sub001/messaging"
)

// RetryInterceptor calls the consumer again when it fails, before the
// delivery reaches the failed delivery strategy
type RetryInterceptor struct {
	policy   reliability.BackoffPolicy
	attempts int
	logger   *slog.Logger
}

// NewRetryInterceptor creates a retry interceptor making at most attempts
// calls. A nil policy retries after 100ms, 200ms, 400ms and so on, capped at 5s.
func NewRetryInterceptor(attempts int, policy reliability.BackoffPolicy) *RetryInterceptor {
	if policy == nil {
		policy = &reliability.ExponentialBackoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
		}
	}
	if attempts < 1 {
		attempts = 1
	}
	return &RetryInterceptor{
		policy:   policy,
		attempts: attempts,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error {
	return reliability.RetryUntilCancelled(ctx, r.policy, func(attempt int) error {
		err := next.Handle(ctx, c)
		if err != nil && attempt >= r.attempts {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("consumer failed, retrying",
			"label", c.Message.Label,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "retry"
}
