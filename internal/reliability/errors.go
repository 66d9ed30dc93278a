package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is wrapped by every rejection of an open breaker
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrCircuitHalfOpenLimit is wrapped when the half-open probe budget is spent
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
)

// CircuitBreakerError describes a call the breaker refused
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	Threshold int
	NextProbe time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, next probe in %v",
		e.Name, e.Failures, e.Threshold, time.Until(e.NextProbe).Round(time.Millisecond))
}

// Unwrap lets errors.Is match ErrCircuitOpen or ErrCircuitHalfOpenLimit
func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateHalfOpen {
		return ErrCircuitHalfOpenLimit
	}
	return ErrCircuitOpen
}
