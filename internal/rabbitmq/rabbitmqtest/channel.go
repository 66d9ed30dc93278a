package rabbitmqtest

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
)

var (
	_ rabbitmq.BrokerChannel = (*Channel)(nil)
	_ amqp.Acknowledger      = (*Channel)(nil)
)

type unacked struct {
	queue    string
	delivery amqp.Delivery
}

// Channel is a channel of the in-memory broker
type Channel struct {
	conn          *Connection
	closed        bool
	confirmMode   bool
	published     uint64
	nextTag       uint64
	prefetchCount int
	unacked       map[uint64]unacked
	notifyClose   []chan *amqp.Error
	notifyPublish []chan amqp.Confirmation
	consumerTags  []string
}

func (ch *Channel) broker() *Broker { return ch.conn.broker }

// Qos implements rabbitmq.BrokerChannel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetchCount = prefetchCount
	return nil
}

// PrefetchCount returns the last applied prefetch count
func (ch *Channel) PrefetchCount() int {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.prefetchCount
}

// Confirm implements rabbitmq.BrokerChannel
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirmMode = true
	return nil
}

// NotifyPublish implements rabbitmq.BrokerChannel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.notifyPublish = append(ch.notifyPublish, confirm)
	return confirm
}

// NotifyClose implements rabbitmq.BrokerChannel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.notifyClose = append(ch.notifyClose, c)
	return c
}

// Consume implements rabbitmq.BrokerChannel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName), Server: true}
	}

	c := &consumer{
		tag:     tag,
		ch:      ch,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery, 256),
	}
	q.consumers = append(q.consumers, c)
	ch.consumerTags = append(ch.consumerTags, tag)
	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel implements rabbitmq.BrokerChannel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.removeConsumerLocked(tag)
	return nil
}

// PublishWithContext implements rabbitmq.BrokerChannel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	for _, q := range b.routeLocked(exchange, key) {
		q.messages = append(q.messages, amqp.Delivery{
			Headers:         msg.Headers,
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			DeliveryMode:    msg.DeliveryMode,
			Priority:        msg.Priority,
			CorrelationId:   msg.CorrelationId,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageId,
			Timestamp:       timestamp,
			Type:            msg.Type,
			UserId:          msg.UserId,
			AppId:           msg.AppId,
			Exchange:        exchange,
			RoutingKey:      key,
			Body:            append([]byte(nil), msg.Body...),
		})
		b.dispatchLocked(q)
	}

	if ch.confirmMode {
		ch.published++
		ack := true
		if b.nacks > 0 {
			b.nacks--
			ack = false
		}
		// Sent under the lock so a concurrent close cannot close the
		// receivers first. Receivers are drained without the broker lock.
		for _, r := range ch.notifyPublish {
			r <- amqp.Confirmation{DeliveryTag: ch.published, Ack: ack}
		}
	}
	b.mu.Unlock()
	return nil
}

// GetNextPublishSeqNo implements rabbitmq.BrokerChannel
func (ch *Channel) GetNextPublishSeqNo() uint64 {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.published + 1
}

// ExchangeDeclare implements rabbitmq.BrokerChannel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.BrokerChannel. An empty name gets a
// generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	q := b.declareQueueLocked(name, autoDelete)
	return amqp.Queue{Name: q.name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.BrokerChannel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name), Server: true}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: name, key: key})
	return nil
}

// Close implements rabbitmq.BrokerChannel
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := ch.closeLocked(nil)
	b.mu.Unlock()

	notify()
	return nil
}

// IsClosed implements rabbitmq.BrokerChannel
func (ch *Channel) IsClosed() bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// closeLocked cancels the channel consumers, requeues unacknowledged
// deliveries and returns the function sending close notifications.
func (ch *Channel) closeLocked(err *amqp.Error) func() {
	b := ch.broker()
	ch.closed = true

	for _, tag := range ch.consumerTags {
		b.removeConsumerLocked(tag)
	}
	ch.consumerTags = nil

	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		b.requeueLocked(u)
	}

	closeReceivers := ch.notifyClose
	publishReceivers := ch.notifyPublish
	ch.notifyClose = nil
	ch.notifyPublish = nil

	return func() {
		for _, r := range publishReceivers {
			close(r)
		}
		for _, r := range closeReceivers {
			if err != nil {
				r <- err
			}
			close(r)
		}
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for _, t := range ch.tagsLocked(tag, multiple) {
		delete(ch.unacked, t)
		b.acked++
	}
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for _, t := range ch.tagsLocked(tag, multiple) {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		if requeue {
			b.requeueLocked(u)
		} else {
			b.rejected++
		}
	}
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) tagsLocked(tag uint64, multiple bool) []uint64 {
	if !multiple {
		if _, ok := ch.unacked[tag]; ok {
			return []uint64{tag}
		}
		return nil
	}
	var tags []uint64
	for t := range ch.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	return tags
}
