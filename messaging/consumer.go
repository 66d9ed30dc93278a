package messaging

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoReplyRoute is returned when replying to a message that carries no reply route
	ErrNoReplyRoute = errors.New("messaging: delivery has no reply route")

	// ErrNoReplier is returned when the receiving endpoint cannot publish replies
	ErrNoReplier = errors.New("messaging: no reply endpoint configured")
)

// Delivery is one received message plus its transport metadata
type Delivery interface {
	Label() string
	Headers() Headers
	CorrelationID() string
	ReplyRoute() Route
	ContentType() string
	Body() []byte
	RequiresAccept() bool
	// Accept and Reject settle the delivery at most once; later calls are no-ops
	Accept() error
	Reject(requeue bool) error
	Settled() bool
}

// Replier publishes a reply to the route a request asked for
type Replier interface {
	Reply(ctx context.Context, route Route, msg Message) error
}

// ConsumingContext is handed to consumer code for every delivery
type ConsumingContext struct {
	Message    Message
	Delivery   Delivery
	converters ConverterResolver
	replier    Replier
}

// NewConsumingContext builds the context for a delivery
func NewConsumingContext(delivery Delivery, converters ConverterResolver, replier Replier) *ConsumingContext {
	return &ConsumingContext{
		Message: Message{
			Label:   delivery.Label(),
			Headers: delivery.Headers(),
		},
		Delivery:   delivery,
		converters: converters,
		replier:    replier,
	}
}

// Decode deserializes the delivery body into target using the converter
// registered for the delivery content type
func (c *ConsumingContext) Decode(target any) error {
	if c.converters == nil {
		return fmt.Errorf("%w: no resolver", ErrNoConverter)
	}
	converter, err := c.converters.Resolve(c.Delivery.ContentType())
	if err != nil {
		return err
	}
	if err := converter.ToObject(c.Delivery.Body(), target); err != nil {
		return err
	}
	c.Message.Payload = target
	return nil
}

// Accept acknowledges the delivery
func (c *ConsumingContext) Accept() error {
	return c.Delivery.Accept()
}

// Reject negatively acknowledges the delivery
func (c *ConsumingContext) Reject(requeue bool) error {
	return c.Delivery.Reject(requeue)
}

// Reply sends payload back to the requester, correlated with this delivery
func (c *ConsumingContext) Reply(ctx context.Context, payload any) error {
	route := c.Delivery.ReplyRoute()
	if route.IsZero() {
		return ErrNoReplyRoute
	}
	if c.replier == nil {
		return ErrNoReplier
	}

	reply := NewMessage(c.Message.Label, payload)
	if id := c.Delivery.CorrelationID(); id != "" {
		reply.Headers[HeaderCorrelationID] = id
	}
	return c.replier.Reply(ctx, route, reply)
}

// Consumer handles deliveries for a label
type Consumer interface {
	Handle(ctx context.Context, c *ConsumingContext) error
}

// ConsumerFunc is a function adapter for Consumer
type ConsumerFunc func(ctx context.Context, c *ConsumingContext) error

// Handle implements Consumer
func (f ConsumerFunc) Handle(ctx context.Context, c *ConsumingContext) error {
	return f(ctx, c)
}

// Typed decodes the payload into T before calling fn
func Typed[T any](fn func(ctx context.Context, c *ConsumingContext, payload T) error) Consumer {
	return ConsumerFunc(func(ctx context.Context, c *ConsumingContext) error {
		var payload T
		if err := c.Decode(&payload); err != nil {
			return fmt.Errorf("decode %T payload: %w", payload, err)
		}
		return fn(ctx, c, payload)
	})
}
