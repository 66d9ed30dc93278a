package messaging

import (
	"context"
	"log/slog"
)

// FailedDelivery describes a delivery whose processing failed
type FailedDelivery struct {
	Delivery Delivery
	Err      error
}

// FailedDeliveryStrategy decides what happens to a delivery whose consumer failed
type FailedDeliveryStrategy interface {
	HandleFailed(ctx context.Context, failed FailedDelivery)
}

// FailedDeliveryStrategyFunc is a function adapter for FailedDeliveryStrategy
type FailedDeliveryStrategyFunc func(ctx context.Context, failed FailedDelivery)

// HandleFailed implements FailedDeliveryStrategy
func (f FailedDeliveryStrategyFunc) HandleFailed(ctx context.Context, failed FailedDelivery) {
	f(ctx, failed)
}

// UnhandledDeliveryStrategy decides what happens to a delivery no consumer matched
type UnhandledDeliveryStrategy interface {
	HandleUnhandled(ctx context.Context, delivery Delivery)
}

// UnhandledDeliveryStrategyFunc is a function adapter for UnhandledDeliveryStrategy
type UnhandledDeliveryStrategyFunc func(ctx context.Context, delivery Delivery)

// HandleUnhandled implements UnhandledDeliveryStrategy
func (f UnhandledDeliveryStrategyFunc) HandleUnhandled(ctx context.Context, delivery Delivery) {
	f(ctx, delivery)
}

// RejectFailedDelivery logs the failure and rejects the delivery
type RejectFailedDelivery struct {
	Requeue bool
	Logger  *slog.Logger
}

// HandleFailed implements FailedDeliveryStrategy
func (s RejectFailedDelivery) HandleFailed(ctx context.Context, failed FailedDelivery) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("failed to process delivery",
		"label", failed.Delivery.Label(),
		"correlationId", failed.Delivery.CorrelationID(),
		"requeue", s.Requeue,
		"error", failed.Err)

	if err := failed.Delivery.Reject(s.Requeue); err != nil {
		logger.Error("failed to reject delivery", "error", err)
	}
}

// RejectUnhandled logs and rejects deliveries without a consumer
type RejectUnhandled struct {
	Requeue bool
	Logger  *slog.Logger
}

// HandleUnhandled implements UnhandledDeliveryStrategy
func (s RejectUnhandled) HandleUnhandled(ctx context.Context, delivery Delivery) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("no consumer for delivery",
		"label", delivery.Label(),
		"correlationId", delivery.CorrelationID())

	if err := delivery.Reject(s.Requeue); err != nil {
		logger.Error("failed to reject delivery", "error", err)
	}
}

// AcceptUnhandled accepts deliveries without a consumer so they leave the queue
type AcceptUnhandled struct {
	Logger *slog.Logger
}

// HandleUnhandled implements UnhandledDeliveryStrategy
func (s AcceptUnhandled) HandleUnhandled(ctx context.Context, delivery Delivery) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("discarding delivery without consumer", "label", delivery.Label())

	if err := delivery.Accept(); err != nil {
		logger.Error("failed to accept delivery", "error", err)
	}
}
