package rabbitmqtest

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
)

var _ rabbitmq.BrokerConnection = (*Connection)(nil)

// Connection is a connection to the in-memory broker
type Connection struct {
	broker   *Broker
	url      string
	closed   bool
	aborted  bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// URL returns the address the connection was dialed with
func (c *Connection) URL() string { return c.url }

// Channel implements rabbitmq.BrokerConnection
func (c *Connection) Channel() (rabbitmq.BrokerChannel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.channelFailures > 0 {
		b.channelFailures--
		return nil, errors.New("rabbitmqtest: channel open refused")
	}

	ch := &Channel{
		conn:    c,
		unacked: make(map[uint64]unacked),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.BrokerConnection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements rabbitmq.BrokerConnection
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := c.closeLocked(nil)
	c.broker.mu.Unlock()

	notify()
	return nil
}

// Abort implements rabbitmq.BrokerConnection
func (c *Connection) Abort() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return nil
	}
	c.aborted = true
	notify := c.closeLocked(amqp.ErrClosed)
	c.broker.mu.Unlock()

	notify()
	return nil
}

// IsClosed implements rabbitmq.BrokerConnection
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Aborted reports whether the connection was force-closed
func (c *Connection) Aborted() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.aborted
}

// closeLocked marks the connection and its channels closed and returns a
// function delivering the close notifications, to be called without the
// broker lock.
func (c *Connection) closeLocked(err *amqp.Error) func() {
	c.closed = true

	var notifications []func()
	for _, ch := range c.channels {
		if !ch.closed {
			notifications = append(notifications, ch.closeLocked(err))
		}
	}

	receivers := c.notify
	c.notify = nil

	return func() {
		for _, notify := range notifications {
			notify()
		}
		for _, r := range receivers {
			if err != nil {
				r <- err
			}
			close(r)
		}
	}
}
