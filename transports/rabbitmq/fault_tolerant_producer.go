package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/messaging"
	"github.com/SDVentures/Contour-sub001/metrics"
)

// FaultTolerantProducer sends through the producers of a selector and
// moves on to the next one when an attempt fails with a retryable error
type FaultTolerantProducer struct {
	selector ProducerSelector
	attempts int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// FaultTolerantOption configures a FaultTolerantProducer
type FaultTolerantOption func(*FaultTolerantProducer)

// WithAttempts bounds the number of producers tried per send. The default
// of 1 disables retries.
func WithAttempts(n int) FaultTolerantOption {
	return func(f *FaultTolerantProducer) {
		f.attempts = n
	}
}

func WithFaultTolerantLogger(logger *slog.Logger) FaultTolerantOption {
	return func(f *FaultTolerantProducer) {
		f.logger = logger
	}
}

func WithFaultTolerantMetrics(m *metrics.Metrics) FaultTolerantOption {
	return func(f *FaultTolerantProducer) {
		f.metrics = m
	}
}

// NewFaultTolerantProducer creates a producer over selector
func NewFaultTolerantProducer(selector ProducerSelector, options ...FaultTolerantOption) (*FaultTolerantProducer, error) {
	f := &FaultTolerantProducer{
		selector: selector,
		attempts: 1,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	if selector == nil {
		return nil, fmt.Errorf("%w: fault tolerant producer needs a selector", rabbitmq.ErrInvalidConfiguration)
	}
	if f.attempts < 1 {
		return nil, fmt.Errorf("%w: attempts must be at least 1", rabbitmq.ErrInvalidConfiguration)
	}
	return f, nil
}

// Attempts returns the attempt bound
func (f *FaultTolerantProducer) Attempts() int { return f.attempts }

// Try runs exchange against the selected producer, retrying on the next
// producer while attempts remain and the failure is retryable. The last
// failure is returned when attempts run out.
func (f *FaultTolerantProducer) Try(ctx context.Context, msg messaging.Message, exchange func(ctx context.Context, p Publisher) error) error {
	var lastErr error

	for attempt := 1; attempt <= f.attempts; attempt++ {
		producer, err := f.selector.NextFor(msg)
		if err != nil {
			return err
		}

		lastErr = exchange(ctx, producer)
		if lastErr == nil {
			return nil
		}
		if attempt == f.attempts || !IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}

		f.metrics.IncFaultTolerantRetries()
		f.logger.Warn("send failed, trying next producer",
			"label", msg.Label,
			"attempt", attempt,
			"url", rabbitmq.SanitizeURL(producer.URL()),
			"error", lastErr)
	}

	return lastErr
}

// Send publishes msg and waits for the broker confirmation
func (f *FaultTolerantProducer) Send(ctx context.Context, msg messaging.Message) error {
	return f.Try(ctx, msg, func(ctx context.Context, p Publisher) error {
		return p.Publish(ctx, msg).Wait(ctx)
	})
}

// Request sends msg as a request and waits for the reply built by build
func (f *FaultTolerantProducer) Request(ctx context.Context, msg messaging.Message, build ResponseBuilder) (any, error) {
	var response any
	err := f.Try(ctx, msg, func(ctx context.Context, p Publisher) error {
		value, err := p.Request(ctx, msg, build).Wait(ctx)
		if err != nil {
			return err
		}
		response = value
		return nil
	})
	return response, err
}
