// Package metrics exposes Prometheus collectors for the transport.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contour"

// Delivery outcomes
const (
	DeliveryReply     = "reply"
	DeliveryHandled   = "handled"
	DeliveryUnhandled = "unhandled"
	DeliveryFailed    = "failed"
)

// Publish outcomes
const (
	PublishSent     = "sent"
	PublishFailed   = "failed"
	PublishNotReady = "not_ready"
)

// Expectation outcomes
const (
	ExpectationCompleted = "completed"
	ExpectationTimedOut  = "timed_out"
	ExpectationCancelled = "cancelled"
	ExpectationFaulted   = "faulted"
)

// Metrics holds the transport collectors
type Metrics struct {
	connectionAttempts  *prometheus.CounterVec
	connectionEvents    *prometheus.CounterVec
	recoveries          *prometheus.CounterVec
	deliveries          *prometheus.CounterVec
	publishes           *prometheus.CounterVec
	confirmations       *prometheus.CounterVec
	expectations        *prometheus.CounterVec
	pendingExpectations prometheus.Gauge
	retries             prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Broker connection attempts by result",
		}, []string{"result"}),
		connectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events",
		}, []string{"event"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Restarts after an unsolicited channel shutdown",
		}, []string{"component"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Processed deliveries by queue and outcome",
		}, []string{"queue", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish calls by outcome",
		}, []string{"outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Publisher confirmations by result",
		}, []string{"result"}),
		expectations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expectations_total",
			Help:      "Finished request expectations by outcome",
		}, []string{"outcome"}),
		pendingExpectations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expectations_pending",
			Help:      "Requests waiting for a reply",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fault_tolerant_retries_total",
			Help:      "Publishes retried on another producer",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionAttempts,
		m.connectionEvents,
		m.recoveries,
		m.deliveries,
		m.publishes,
		m.confirmations,
		m.expectations,
		m.pendingExpectations,
		m.retries,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

// IncConnectionAttempts counts a dial attempt; result is "success" or "failure"
func (m *Metrics) IncConnectionAttempts(result string) {
	if m == nil {
		return
	}
	m.connectionAttempts.WithLabelValues(result).Inc()
}

// IncConnectionEvents counts opened, closed and disposed events
func (m *Metrics) IncConnectionEvents(event string) {
	if m == nil {
		return
	}
	m.connectionEvents.WithLabelValues(event).Inc()
}

// IncRecoveries counts a listener or producer recovery
func (m *Metrics) IncRecoveries(component string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(component).Inc()
}

// IncDeliveries counts a processed delivery
func (m *Metrics) IncDeliveries(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
}

// IncPublishes counts a publish call
func (m *Metrics) IncPublishes(outcome string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(outcome).Inc()
}

// IncConfirmations counts a broker ack or nack
func (m *Metrics) IncConfirmations(acked bool) {
	if m == nil {
		return
	}
	result := "ack"
	if !acked {
		result = "nack"
	}
	m.confirmations.WithLabelValues(result).Inc()
}

// ExpectationStarted tracks a new pending request
func (m *Metrics) ExpectationStarted() {
	if m == nil {
		return
	}
	m.pendingExpectations.Inc()
}

// ExpectationFinished records how a pending request ended
func (m *Metrics) ExpectationFinished(outcome string) {
	if m == nil {
		return
	}
	m.pendingExpectations.Dec()
	m.expectations.WithLabelValues(outcome).Inc()
}

// IncFaultTolerantRetries counts a publish moved to another producer
func (m *Metrics) IncFaultTolerantRetries() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
