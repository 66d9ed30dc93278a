package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/SDVentures/Contour-sub001/internal/future"
	"github.com/SDVentures/Contour-sub001/internal/reliability"
	"github.com/SDVentures/Contour-sub001/messaging"
)

// ExpectationState is the lifecycle state of an Expectation
type ExpectationState string

const (
	ExpectationPending   ExpectationState = "pending"
	ExpectationCompleted ExpectationState = "completed"
	ExpectationFaulted   ExpectationState = "faulted"
	ExpectationTimedOut  ExpectationState = "timedOut"
	ExpectationCancelled ExpectationState = "cancelled"
)

// ResponseBuilder turns a reply delivery into the value the requester expects
type ResponseBuilder func(d messaging.Delivery) (any, error)

// Decoder returns a ResponseBuilder decoding the reply body into T
func Decoder[T any](converters messaging.ConverterResolver) ResponseBuilder {
	return func(d messaging.Delivery) (any, error) {
		converter, err := converters.Resolve(d.ContentType())
		if err != nil {
			return nil, err
		}
		var v T
		if err := converter.ToObject(d.Body(), &v); err != nil {
			return nil, fmt.Errorf("decode %T response: %w", v, err)
		}
		return v, nil
	}
}

// Expectation is a request waiting for its correlated reply. It leaves the
// pending state exactly once.
type Expectation struct {
	correlationID string
	build         ResponseBuilder
	result        *future.Future[any]

	mu        sync.Mutex
	state     ExpectationState
	ticket    reliability.Ticket
	hasTicket bool
}

func newExpectation(correlationID string, build ResponseBuilder) *Expectation {
	return &Expectation{
		correlationID: correlationID,
		build:         build,
		result:        future.New[any](),
		state:         ExpectationPending,
	}
}

// FailedExpectation returns an expectation that already failed with err
func FailedExpectation(correlationID string, err error) *Expectation {
	e := newExpectation(correlationID, nil)
	e.finish(nil, err, ExpectationFaulted)
	return e
}

// CorrelationID returns the id shared by the request and its reply
func (e *Expectation) CorrelationID() string { return e.correlationID }

// State returns the current state
func (e *Expectation) State() ExpectationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the expectation left the pending state
func (e *Expectation) Done() <-chan struct{} { return e.result.Done() }

// Result returns the outcome without blocking; ok is false while pending
func (e *Expectation) Result() (value any, err error, ok bool) {
	return e.result.Result()
}

// Wait blocks until the reply arrived, the expectation failed or ctx is done
func (e *Expectation) Wait(ctx context.Context) (any, error) {
	return e.result.Get(ctx)
}

func (e *Expectation) setTicket(ticket reliability.Ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticket = ticket
	e.hasTicket = true
}

func (e *Expectation) timeoutTicket() (reliability.Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticket, e.hasTicket
}

// complete builds the response from d. A failing or panicking builder
// faults the expectation.
func (e *Expectation) complete(d messaging.Delivery) (completed bool) {
	defer func() {
		if r := recover(); r != nil {
			completed = e.finish(nil, fmt.Errorf("build response: panic: %v", r), ExpectationFaulted)
		}
	}()

	if e.build == nil {
		return e.finish(d, nil, ExpectationCompleted)
	}
	value, err := e.build(d)
	if err != nil {
		return e.finish(nil, err, ExpectationFaulted)
	}
	return e.finish(value, nil, ExpectationCompleted)
}

func (e *Expectation) finish(value any, err error, state ExpectationState) bool {
	e.mu.Lock()
	if e.state != ExpectationPending {
		e.mu.Unlock()
		return false
	}
	e.state = state
	e.mu.Unlock()

	return e.result.Complete(value, err)
}
