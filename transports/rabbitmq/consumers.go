package rabbitmq

import (
	"sync"

	"github.com/SDVentures/Contour-sub001/messaging"
)

// consumerRegistry maps labels to consumers. The latest registration for a
// label wins.
type consumerRegistry struct {
	mu       sync.RWMutex
	byLabel  map[string]messaging.Consumer
	order    []string
	anyLabel messaging.Consumer
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{byLabel: make(map[string]messaging.Consumer)}
}

func (r *consumerRegistry) add(label string, consumer messaging.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if label == messaging.AnyLabel {
		r.anyLabel = consumer
		return
	}
	if _, ok := r.byLabel[label]; !ok {
		r.order = append(r.order, label)
	}
	r.byLabel[label] = consumer
}

// resolve finds the consumer for label, falling back to the any-label
// consumer and, unless strict, to the first registered one
func (r *consumerRegistry) resolve(label string, strict bool) (messaging.Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.byLabel[label]; ok {
		return c, true
	}
	if r.anyLabel != nil {
		return r.anyLabel, true
	}
	if !strict && len(r.order) > 0 {
		return r.byLabel[r.order[0]], true
	}
	return nil, false
}

func (r *consumerRegistry) labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	labels := append([]string(nil), r.order...)
	if r.anyLabel != nil {
		labels = append(labels, messaging.AnyLabel)
	}
	return labels
}
