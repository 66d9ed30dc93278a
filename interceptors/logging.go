package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/SDVentures/Contour-sub001/messaging"
)

// LoggingInterceptor logs failed deliveries at error level and handled
// ones at debug level
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, c *messaging.ConsumingContext, next messaging.Consumer) error {
	start := time.Now()
	err := next.Handle(ctx, c)

	attrs := []any{
		"label", c.Message.Label,
		"duration", time.Since(start),
	}
	if id, ok := c.Message.Headers.String(messaging.HeaderMessageID); ok {
		attrs = append(attrs, "messageId", id)
	}
	if id := c.Delivery.CorrelationID(); id != "" {
		attrs = append(attrs, "correlationId", id)
	}

	if err != nil {
		i.logger.ErrorContext(ctx, "delivery handling failed", append(attrs, "error", err)...)
		return err
	}
	i.logger.DebugContext(ctx, "delivery handled", attrs...)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "logging"
}
