package reliability

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing operation for a cool-down period.
// After the cool-down a limited number of probes decide whether it closes again.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	counts           func(err error) bool
	onStateChange    func(from, to State)
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests bounds the concurrent probes while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName names the breaker in errors and logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureFilter decides which errors count as failures. Context
// cancellation never counts.
func WithFailureFilter(counts func(err error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.counts = counts
	}
}

// WithStateChange registers an observer called outside the lock on
// every transition
func WithStateChange(observer func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = observer
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		timeout:          30 * time.Second,
		halfOpenRequests: 3,
		counts:           func(error) bool { return true },
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// Reset closes the circuit and forgets every failure
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		nextProbe := cb.lastFailure.Add(cb.timeout)
		if cb.now().Before(nextProbe) {
			err := &CircuitBreakerError{
				Name:      cb.name,
				State:     StateOpen,
				Failures:  cb.failures,
				Threshold: cb.failureThreshold,
				NextProbe: nextProbe,
			}
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probes = 1
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenRequests {
			err := &CircuitBreakerError{Name: cb.name, State: StateHalfOpen}
			cb.mu.Unlock()
			return err
		}
		cb.probes++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil && !errors.Is(err, context.Canceled) && cb.counts(err)

	cb.mu.Lock()
	from := cb.state

	switch {
	case failed:
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.probes = 0
		}
	case cb.state == StateHalfOpen:
		cb.probes--
		if err == nil {
			cb.successes++
		}
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures, cb.successes, cb.probes = 0, 0, 0
		}
	case err == nil:
		cb.failures = 0
	}

	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
