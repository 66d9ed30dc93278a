package rabbitmq

import (
	"fmt"
	"sync"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
)

// ListenerRegistry shares listeners between receivers consuming the same
// queue on the same broker
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners map[listenerKey]*Listener
	order     []listenerKey
}

type listenerKey struct {
	url   string
	queue string
}

// NewListenerRegistry creates an empty registry
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{listeners: make(map[listenerKey]*Listener)}
}

// ResolveOrAdd returns the listener already registered for the url and
// queue named by options, or registers a new one. A registered listener
// with different consuming options is a configuration error.
func (r *ListenerRegistry) ResolveOrAdd(pool *rabbitmq.ConnectionPool, url string, options ...ListenerOption) (*Listener, error) {
	candidate, err := NewListener(pool, url, options...)
	if err != nil {
		return nil, err
	}

	key := listenerKey{url: url, queue: candidate.queueName()}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.listeners[key]
	if !ok {
		r.listeners[key] = candidate
		r.order = append(r.order, key)
		return candidate, nil
	}

	if existing.settings() != candidate.settings() {
		return nil, fmt.Errorf("%w: queue %q on %s is already consumed with other options",
			ErrIncompatibleListener, key.queue, rabbitmq.SanitizeURL(url))
	}
	return existing, nil
}

// Listeners returns the registered listeners in registration order
func (r *ListenerRegistry) Listeners() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners := make([]*Listener, 0, len(r.order))
	for _, key := range r.order {
		listeners = append(listeners, r.listeners[key])
	}
	return listeners
}
