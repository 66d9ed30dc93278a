package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// WithTTL returns a copy of the declaration whose messages expire after ttl
func (q QueueDeclaration) WithTTL(ttl time.Duration) QueueDeclaration {
	return q.withArgument("x-message-ttl", ttl.Milliseconds())
}

// WithMaxLength returns a copy of the declaration holding at most n messages
func (q QueueDeclaration) WithMaxLength(n int) QueueDeclaration {
	return q.withArgument("x-max-length", int64(n))
}

func (q QueueDeclaration) withArgument(key string, value any) QueueDeclaration {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	args[key] = value
	q.Arguments = args
	return q
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of exchanges, queues and bindings declared together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// IsEmpty reports whether there is nothing to declare
func (t Topology) IsEmpty() bool {
	return len(t.Exchanges) == 0 && len(t.Queues) == 0 && len(t.Bindings) == 0
}

// DeclareExchange declares a single exchange
func (c *Channel) DeclareExchange(exchange ExchangeDeclaration) error {
	err := c.ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a single queue. An empty name lets the broker
// generate one, returned in the result.
func (c *Channel) DeclareQueue(queue QueueDeclaration) (amqp.Queue, error) {
	q, err := c.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue creates a queue binding
func (c *Channel) BindQueue(binding Binding) error {
	err := c.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareTopology declares exchanges, then queues, then bindings
func (c *Channel) DeclareTopology(topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := c.DeclareExchange(exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
		}
	}

	for _, queue := range topology.Queues {
		if _, err := c.DeclareQueue(queue); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := c.BindQueue(binding); err != nil {
			return fmt.Errorf("failed to bind queue %s to exchange %s: %w",
				binding.Queue, binding.Exchange, err)
		}
	}

	return nil
}
