package rabbitmq

import (
	"errors"
	"fmt"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
)

var (
	// ErrProducerNotReady is returned when publishing while a producer is
	// stopped, starting, stopping or recovering
	ErrProducerNotReady = errors.New("rabbitmq: producer is not ready")
	ErrProducerStopped  = errors.New("rabbitmq: producer stopped")
	ErrListenerStopped  = errors.New("rabbitmq: listener stopped")

	ErrResponseTimeout = errors.New("rabbitmq: response timeout")
	ErrRequestRejected = errors.New("rabbitmq: request rejected")

	ErrNoReplyEndpoint      = fmt.Errorf("%w: no reply endpoint configured", rabbitmq.ErrInvalidConfiguration)
	ErrIncompatibleListener = fmt.Errorf("%w: incompatible listener options", rabbitmq.ErrInvalidConfiguration)
	ErrNoProducers          = fmt.Errorf("%w: no producers", rabbitmq.ErrInvalidConfiguration)
)

// IsRetryable reports whether a failed publish may be retried on another
// producer. Configuration errors, cancellation and response timeouts are not.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrResponseTimeout) {
		return false
	}
	return rabbitmq.IsRetryable(err)
}
