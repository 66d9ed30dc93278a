package rabbitmq

import (
	"maps"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/messaging"
)

var _ messaging.Delivery = (*Delivery)(nil)

// Delivery is an immutable view of one received message. It is accepted
// or rejected at most once no matter how often Accept or Reject are called.
type Delivery struct {
	raw           amqp.Delivery
	requireAccept bool
	settled       atomic.Bool

	headersOnce sync.Once
	headers     messaging.Headers
}

// NewDelivery wraps an amqp delivery
func NewDelivery(raw amqp.Delivery, requireAccept bool) *Delivery {
	return &Delivery{
		raw:           raw,
		requireAccept: requireAccept,
	}
}

// Headers returns the message headers merged with the transport
// properties. They are built on first use and shared afterwards.
func (d *Delivery) Headers() messaging.Headers {
	d.headersOnce.Do(func() {
		h := messaging.Headers(maps.Clone(map[string]any(d.raw.Headers)))
		if h == nil {
			h = messaging.Headers{}
		}
		setIfMissing(h, messaging.HeaderCorrelationID, d.raw.CorrelationId)
		setIfMissing(h, messaging.HeaderReplyRoute, d.raw.ReplyTo)
		setIfMissing(h, messaging.HeaderMessageID, d.raw.MessageId)
		setIfMissing(h, messaging.HeaderMessageLabel, d.raw.Type)
		d.headers = h
	})
	return d.headers
}

func setIfMissing(h messaging.Headers, key, value string) {
	if value == "" {
		return
	}
	if _, ok := h[key]; !ok {
		h[key] = value
	}
}

// Label returns the logical message type
func (d *Delivery) Label() string {
	if d.raw.Type != "" {
		return d.raw.Type
	}
	label, _ := d.Headers().String(messaging.HeaderMessageLabel)
	return label
}

// CorrelationID returns the id grouping a request with its reply
func (d *Delivery) CorrelationID() string {
	if d.raw.CorrelationId != "" {
		return d.raw.CorrelationId
	}
	id, _ := d.Headers().String(messaging.HeaderCorrelationID)
	return id
}

// ReplyRoute returns where a reply must be sent. It is zero unless the
// message is a request.
func (d *Delivery) ReplyRoute() messaging.Route {
	value, ok := d.Headers().String(messaging.HeaderReplyRoute)
	if !ok || value == "" {
		return messaging.Route{}
	}
	route, err := messaging.ParseRoute(value)
	if err != nil {
		return messaging.Route{}
	}
	return route
}

func (d *Delivery) ContentType() string { return d.raw.ContentType }

func (d *Delivery) Body() []byte { return d.raw.Body }

// Raw returns the underlying amqp delivery
func (d *Delivery) Raw() amqp.Delivery { return d.raw }

// RequiresAccept reports whether the consumer must settle the delivery
func (d *Delivery) RequiresAccept() bool { return d.requireAccept }

// Settled reports whether Accept or Reject already ran
func (d *Delivery) Settled() bool { return d.settled.Load() }

// Accept acknowledges the delivery
func (d *Delivery) Accept() error {
	if !d.requireAccept || !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.raw.Ack(false)
}

// Reject returns the delivery to the broker, which requeues it when requeue is set
func (d *Delivery) Reject(requeue bool) error {
	if !d.requireAccept || !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.raw.Nack(false, requeue)
}
