package rabbitmq

import (
	"context"
	"sync"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/messaging"
)

// Publisher is the part of a Producer the fault tolerant producer needs
type Publisher interface {
	URL() string
	Publish(ctx context.Context, msg messaging.Message) *rabbitmq.Confirmation
	Request(ctx context.Context, msg messaging.Message, build ResponseBuilder) *Expectation
}

// ProducerSelector picks the producer for the next attempt
type ProducerSelector interface {
	Next() (Publisher, error)
	NextFor(msg messaging.Message) (Publisher, error)
}

// RoundRobinSelector rotates over its producers, wrapping to the first
// after the last
type RoundRobinSelector struct {
	mu        sync.Mutex
	producers []Publisher
	next      int
}

// NewRoundRobinSelector creates a selector over producers
func NewRoundRobinSelector(producers ...Publisher) *RoundRobinSelector {
	return &RoundRobinSelector{producers: append([]Publisher(nil), producers...)}
}

// Next implements ProducerSelector
func (s *RoundRobinSelector) Next() (Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.producers) == 0 {
		return nil, ErrNoProducers
	}
	p := s.producers[s.next%len(s.producers)]
	s.next = (s.next + 1) % len(s.producers)
	return p, nil
}

// NextFor implements ProducerSelector; the message does not affect the rotation
func (s *RoundRobinSelector) NextFor(messaging.Message) (Publisher, error) {
	return s.Next()
}

// Len returns the number of producers
func (s *RoundRobinSelector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.producers)
}
