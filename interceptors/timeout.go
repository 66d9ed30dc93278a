package interceptors

import (
	"context"
	"fmt"
	"time"

	"github.com/SDVentures/Contour-sub001/messaging"
)

// TimeoutInterceptor bounds how long a consumer may handle one delivery.
// Only consumers honoring their context stop at the bound.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Handle(ctx, c)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("handling %s exceeded %s: %w", c.Message.Label, i.timeout, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "timeout"
}
