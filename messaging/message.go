package messaging

import (
	"fmt"
	"strings"
)

// AnyLabel registers a consumer for every label without a dedicated consumer
const AnyLabel = "*"

// Message is an outgoing or incoming message independent of any transport
type Message struct {
	Label   string
	Headers Headers
	Payload any
}

// NewMessage creates a message with empty headers
func NewMessage(label string, payload any) Message {
	return Message{
		Label:   label,
		Headers: Headers{},
		Payload: payload,
	}
}

// WithHeader returns a copy of the message with the header set
func (m Message) WithHeader(key string, value any) Message {
	headers := m.Headers.Clone()
	headers[key] = value
	m.Headers = headers
	return m
}

// Route is a broker address: an exchange and a routing key. An empty
// exchange addresses the queue named by the routing key directly.
type Route struct {
	Exchange   string
	RoutingKey string
}

// IsZero reports whether the route is empty
func (r Route) IsZero() bool {
	return r.Exchange == "" && r.RoutingKey == ""
}

// String formats the route as "exchange/routingKey"
func (r Route) String() string {
	return r.Exchange + "/" + r.RoutingKey
}

// ParseRoute parses the output of Route.String. A value without a slash is
// a routing key on the default exchange.
func ParseRoute(s string) (Route, error) {
	if s == "" {
		return Route{}, fmt.Errorf("empty route")
	}
	exchange, key, found := strings.Cut(s, "/")
	if !found {
		return Route{RoutingKey: s}, nil
	}
	if exchange == "" && key == "" {
		return Route{}, fmt.Errorf("invalid route %q", s)
	}
	return Route{Exchange: exchange, RoutingKey: key}, nil
}
