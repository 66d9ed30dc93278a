package interceptors

import (
	"context"
	"log/slog"

	"github.com/SDVentures/Contour-sub001/messaging"
)

// Interceptor sits between the listener and a consumer. It decides whether
// and how next handles the delivery.
type Interceptor interface {
	Intercept(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error
	Name() string
}

type funcInterceptor struct {
	name string
	fn   func(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error
}

// NewInterceptorFunc turns fn into a named Interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error) Interceptor {
	return funcInterceptor{name: name, fn: fn}
}

func (f funcInterceptor) Intercept(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error {
	return f.fn(ctx, c, next)
}

func (f funcInterceptor) Name() string { return f.name }

// InterceptorChain applies interceptors to consumers, the first added
// outermost. A chain is not safe for concurrent Add.
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates an empty chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add appends an interceptor
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	c.logger.Debug("interceptor added", "interceptor", interceptor.Name(), "position", len(c.interceptors))
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Wrap returns consumer behind every interceptor of the chain. Later Add
// calls do not affect consumers wrapped earlier.
func (c *InterceptorChain) Wrap(consumer messaging.Consumer) messaging.Consumer {
	wrapped := consumer
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		wrapped = link{interceptor: c.interceptors[i], next: wrapped}
	}
	return wrapped
}

// Execute runs one delivery through the chain to consumer
func (c *InterceptorChain) Execute(ctx context.Context, cc *messaging.ConsumingContext, consumer messaging.Consumer) error {
	return c.Wrap(consumer).Handle(ctx, cc)
}

// link is one interceptor bound to the rest of the chain
type link struct {
	interceptor Interceptor
	next        messaging.Consumer
}

func (l link) Handle(ctx context.Context, c *messaging.ConsumingContext) error {
	return l.interceptor.Intercept(ctx, c, l.next)
}
