package rabbitmq

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerChannel is the part of *amqp.Channel the transport uses
type BrokerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
	IsClosed() bool
}

// BrokerConnection is the part of *amqp.Connection the transport uses,
// plus Abort for forced termination
type BrokerConnection interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	Abort() error
	IsClosed() bool
}

// Dialer opens a broker connection
type Dialer func(ctx context.Context, url string) (BrokerConnection, error)

// DefaultDialTimeout bounds the TCP connect and AMQP handshake
const DefaultDialTimeout = 30 * time.Second

var _ BrokerChannel = (*amqp.Channel)(nil)

type amqpConnection struct {
	*amqp.Connection

	mu      sync.Mutex
	netConn net.Conn
}

func (c *amqpConnection) Channel() (BrokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Abort closes the socket without the AMQP close handshake
func (c *amqpConnection) Abort() error {
	c.mu.Lock()
	conn := c.netConn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Dial connects to an AMQP 0-9-1 broker
func Dial(ctx context.Context, url string) (BrokerConnection, error) {
	wrapper := &amqpConnection{}
	dialer := &net.Dialer{Timeout: DefaultDialTimeout}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			nc, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// The handshake must finish within the timeout; amqp clears
			// the deadline once the connection is open.
			if err := nc.SetDeadline(time.Now().Add(DefaultDialTimeout)); err != nil {
				_ = nc.Close()
				return nil, err
			}
			wrapper.mu.Lock()
			wrapper.netConn = nc
			wrapper.mu.Unlock()
			return nc, nil
		},
	})
	if err != nil {
		return nil, err
	}

	wrapper.Connection = conn
	return wrapper, nil
}
