package interceptors

import (
	"context"

	"github.com/SDVentures/Contour-sub001/internal/reliability"
	"github.com/SDVentures/Contour-sub001/messaging"
)

// CircuitBreakerInterceptor fails deliveries fast while the consumer keeps
// failing, so the failed delivery strategy handles them without calling it
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor protects the consumer with a breaker built
// from options
func NewCircuitBreakerInterceptor(options ...reliability.CircuitBreakerOption) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: reliability.NewCircuitBreaker(options...)}
}

// State returns the breaker state
func (i *CircuitBreakerInterceptor) State() reliability.State {
	return i.breaker.State()
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error {
	return i.breaker.Execute(ctx, func(ctx context.Context) error {
		return next.Handle(ctx, c)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "circuit_breaker:" + i.breaker.Name()
}
