package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/messaging"
)

// Initiator tells who shut a channel down
type Initiator int

const (
	// InitiatorApplication is a close requested by this process
	InitiatorApplication Initiator = iota
	// InitiatorBroker is a channel or connection exception raised by the broker
	InitiatorBroker
	// InitiatorLibrary is a failure detected by the client library, such as a lost socket
	InitiatorLibrary
)

func (i Initiator) String() string {
	switch i {
	case InitiatorBroker:
		return "broker"
	case InitiatorLibrary:
		return "library"
	default:
		return "application"
	}
}

// ShutdownEvent describes why a channel stopped
type ShutdownEvent struct {
	ChannelID string
	Initiator Initiator
	Code      int
	Reason    string
	// Err is set when the shutdown comes from a failure the client detected
	// on an otherwise open channel, such as a consumer cancelled by the broker
	Err error
}

// QoS limits unacknowledged deliveries on a channel
type QoS struct {
	PrefetchCount int `yaml:"prefetchCount"`
	PrefetchSize  int `yaml:"prefetchSize"`
}

// IsZero reports whether no limit is set
func (q QoS) IsZero() bool {
	return q.PrefetchCount == 0 && q.PrefetchSize == 0
}

// Channel is a session over a Connection used by one consumer worker or
// one producer. Publishing is not synchronized; callers serialize it.
type Channel struct {
	id           string
	connectionID string
	ch           BrokerChannel
	logger       *slog.Logger
	disposed     atomic.Bool

	observersMu  sync.Mutex
	observers    map[uint64]func(ShutdownEvent)
	nextObserver uint64

	// consumer tags cancelled through StopConsuming
	stopped sync.Map
}

func newChannel(connectionID string, ch BrokerChannel, logger *slog.Logger) *Channel {
	c := &Channel{
		id:           uuid.New().String(),
		connectionID: connectionID,
		ch:           ch,
		observers:    make(map[uint64]func(ShutdownEvent)),
	}
	c.logger = logger.With("channelId", c.id)

	go c.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))
	return c
}

// ID returns the channel identity
func (c *Channel) ID() string { return c.id }

// ConnectionID returns the identity of the owning connection
func (c *Channel) ConnectionID() string { return c.connectionID }

// IsClosed reports whether the channel can no longer be used
func (c *Channel) IsClosed() bool {
	return c.disposed.Load() || c.ch.IsClosed()
}

func (c *Channel) watch(notify <-chan *amqp.Error) {
	event := ShutdownEvent{ChannelID: c.id, Initiator: InitiatorApplication}

	amqpErr, ok := <-notify
	if ok && amqpErr != nil {
		event.Code = amqpErr.Code
		event.Reason = amqpErr.Reason
		event.Initiator = InitiatorLibrary
		if amqpErr.Server {
			event.Initiator = InitiatorBroker
		}
		if c.disposed.Load() {
			event.Initiator = InitiatorApplication
		}
	}

	if event.Initiator != InitiatorApplication {
		c.logger.Warn("channel shut down",
			"initiator", event.Initiator.String(),
			"code", event.Code,
			"reason", event.Reason)
	}

	c.notify(event)
}

func (c *Channel) notify(event ShutdownEvent) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	for _, observer := range c.observers {
		go observer(event)
	}
}

// consumerCancelled reports a delivery stream the broker closed while the
// channel stayed open, for example because the queue was deleted.
func (c *Channel) consumerCancelled(queue, tag string) {
	if _, ok := c.stopped.Load(tag); ok || c.IsClosed() {
		return
	}
	err := &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "deliver", Err: ErrConsumerCancelled, Timestamp: time.Now()}
	c.logger.Warn("consumer cancelled by broker", "queue", queue, "consumerTag", tag)
	c.notify(ShutdownEvent{
		ChannelID: c.id,
		Initiator: InitiatorBroker,
		Reason:    err.Error(),
		Err:       err,
	})
}

// OnShutdown registers an observer for the channel shutdown. Observers run
// on their own goroutines. The returned id removes the observer again.
func (c *Channel) OnShutdown(observer func(ShutdownEvent)) uint64 {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.nextObserver++
	c.observers[c.nextObserver] = observer
	return c.nextObserver
}

// RemoveShutdownObserver unregisters an observer; unknown ids are ignored
func (c *Channel) RemoveShutdownObserver(id uint64) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	delete(c.observers, id)
}

// SetQoS applies prefetch limits to the channel
func (c *Channel) SetQoS(qos QoS) error {
	if err := c.ch.Qos(qos.PrefetchCount, qos.PrefetchSize, false); err != nil {
		return &ChannelError{Op: "qos", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// NextPublishSeqNo returns the sequence number the next publish will get
// in confirm mode
func (c *Channel) NextPublishSeqNo() uint64 {
	return c.ch.GetNextPublishSeqNo()
}

// EnableConfirmation puts the channel in confirm mode and feeds broker
// acks and nacks into tracker. Confirmations still pending when the
// channel closes fail with ErrChannelClosed.
func (c *Channel) EnableConfirmation(tracker *ConfirmationTracker) error {
	if err := c.ch.Confirm(false); err != nil {
		return &ChannelError{Op: "confirm", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}

	confirms := c.ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	go func() {
		for confirm := range confirms {
			tracker.Confirm(confirm.DeliveryTag, false, confirm.Ack)
		}
		tracker.Dispose(ErrChannelClosed)
	}()
	return nil
}

// Publish sends msg to route
func (c *Channel) Publish(ctx context.Context, route messaging.Route, msg amqp.Publishing) error {
	if c.disposed.Load() {
		return &PublishError{Exchange: route.Exchange, RoutingKey: route.RoutingKey, Err: ErrChannelDisposed, Timestamp: time.Now()}
	}
	if err := c.ch.PublishWithContext(ctx, route.Exchange, route.RoutingKey, false, false, msg); err != nil {
		return &PublishError{Exchange: route.Exchange, RoutingKey: route.RoutingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Consume starts a consumer on queue. Deliveries are forwarded until ctx is
// done or the channel closes. Without requireAccept the broker settles
// deliveries on send. A consumer the broker cancels on an open channel is
// reported to the shutdown observers with ErrConsumerCancelled.
func (c *Channel) Consume(ctx context.Context, queue string, requireAccept bool) (string, <-chan *Delivery, error) {
	tag := "ctag-" + uuid.New().String()

	raw, err := c.ch.Consume(queue, tag, !requireAccept, false, false, false, nil)
	if err != nil {
		return "", nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-raw:
				if !ok {
					if ctx.Err() == nil {
						c.consumerCancelled(queue, tag)
					}
					return
				}
				select {
				case out <- NewDelivery(d, requireAccept):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return tag, out, nil
}

// StopConsuming cancels a consumer. Cancelling on a closed channel is not an error.
func (c *Channel) StopConsuming(tag string) error {
	c.stopped.Store(tag, struct{}{})
	if c.IsClosed() {
		return nil
	}
	if err := c.ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConsumerError{ConsumerTag: tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Dispose closes the channel. Errors are logged and dropped; it is safe
// to call more than once.
func (c *Channel) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Debug("error while disposing channel", "error", err)
	}
}
