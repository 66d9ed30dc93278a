// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq adapter interfaces for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
)

// ErrDialRefused is returned by injected dial failures
var ErrDialRefused = errors.New("rabbitmqtest: connection refused")

// Broker is an in-memory AMQP broker. It supports the default exchange,
// direct and fanout style bindings ("#" matches every key), consumers with
// round-robin dispatch, acknowledgements and publisher confirms.
type Broker struct {
	mu              sync.Mutex
	queues          map[string]*queue
	exchanges       map[string]string
	bindings        map[string][]binding
	conns           []*Connection
	dials           int
	dialFailures    int
	channelFailures int
	nacks           int
	acked           int
	rejected        int
	published       []Published
	generated       int
}

// Published records one publish seen by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	autoDelete bool
	messages   []amqp.Delivery
	consumers  []*consumer
	next       int
}

type consumer struct {
	tag     string
	ch      *Channel
	autoAck bool
	out     chan amqp.Delivery
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]string),
		bindings:  make(map[string][]binding),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context, url string) (rabbitmq.BrokerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialFailures > 0 {
		b.dialFailures--
		return nil, fmt.Errorf("dial %s: %w", url, ErrDialRefused)
	}

	conn := &Connection{broker: b, url: url}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailNextDials makes the next n dials fail
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures = n
}

// FailNextChannels makes the next n channel opens fail
func (b *Broker) FailNextChannels(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelFailures = n
}

// NackNextPublishes makes the broker nack the next n confirmed publishes
func (b *Broker) NackNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks = n
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns every publish seen so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Acked returns the number of acknowledged deliveries
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Rejected returns the number of deliveries rejected without requeue
func (b *Broker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Consumers returns the number of consumers on a queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// OpenConnections returns the number of connections not closed yet
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// OpenChannels returns the number of channels not closed yet
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			if !ch.closed {
				n++
			}
		}
	}
	return n
}

// DeclareQueue creates a durable queue, as an operator would
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareQueueLocked(name, false)
}

// DeleteQueue removes a queue as an operator would. Its consumers are
// cancelled while their channels stay open.
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		close(c.out)
	}
	q.consumers = nil
	delete(b.queues, name)
}

// ShutdownChannels closes every open channel as the broker would on a
// channel exception
func (b *Broker) ShutdownChannels(code int, reason string) {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}

	b.mu.Lock()
	var notifications []func()
	for _, c := range b.conns {
		for _, ch := range c.channels {
			if !ch.closed {
				notifications = append(notifications, ch.closeLocked(err))
			}
		}
	}
	b.mu.Unlock()

	for _, notify := range notifications {
		notify()
	}
}

// ShutdownConnections closes every open connection as the broker would on
// a connection exception
func (b *Broker) ShutdownConnections(code int, reason string) {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}

	b.mu.Lock()
	var notifications []func()
	for _, c := range b.conns {
		if !c.closed {
			notifications = append(notifications, c.closeLocked(err))
		}
	}
	b.mu.Unlock()

	for _, notify := range notifications {
		notify()
	}
}

func (b *Broker) declareQueueLocked(name string, autoDelete bool) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, autoDelete: autoDelete}
		b.queues[name] = q
	}
	return q
}

// route returns the queues a publish reaches
func (b *Broker) routeLocked(exchange, key string) []*queue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	var queues []*queue
	seen := make(map[string]bool)
	for _, bnd := range b.bindings[exchange] {
		if bnd.key != key && bnd.key != "#" {
			continue
		}
		if q, ok := b.queues[bnd.queue]; ok && !seen[q.name] {
			seen[q.name] = true
			queues = append(queues, q)
		}
	}
	return queues
}

// dispatchLocked hands ready messages to consumers. Consumers whose buffer
// is full are skipped; the message stays queued until one has room.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		delivered := false
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[q.next%len(q.consumers)]
			q.next++

			d := q.messages[0]
			d.ConsumerTag = c.tag
			d.DeliveryTag = c.ch.nextTag + 1
			d.Acknowledger = c.ch

			select {
			case c.out <- d:
				c.ch.nextTag++
				if !c.autoAck {
					c.ch.unacked[d.DeliveryTag] = unacked{queue: q.name, delivery: d}
				}
				q.messages = q.messages[1:]
				delivered = true
			default:
			}
			if delivered {
				break
			}
		}
		if !delivered {
			return
		}
	}
}

func (b *Broker) removeConsumerLocked(tag string) {
	for name, q := range b.queues {
		for i, c := range q.consumers {
			if c.tag != tag {
				continue
			}
			close(c.out)
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.autoDelete && len(q.consumers) == 0 {
				delete(b.queues, name)
			}
			return
		}
	}
}

func (b *Broker) requeueLocked(u unacked) {
	q, ok := b.queues[u.queue]
	if !ok {
		return
	}
	d := u.delivery
	d.Redelivered = true
	q.messages = append([]amqp.Delivery{d}, q.messages...)
	b.dispatchLocked(q)
}
