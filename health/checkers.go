package health

import (
	"context"
	"fmt"
	"time"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	transport "github.com/SDVentures/Contour-sub001/transports/rabbitmq"
)

// Readier is a producer that can tell whether it accepts publishes
type Readier interface {
	URL() string
	IsReady() bool
}

// ProducerChecker reports a group of producers serving one label. Some
// ready producers are enough for fault tolerant sending, so a partial
// outage is degraded rather than unhealthy.
type ProducerChecker struct {
	name      string
	producers []Readier
}

// NewProducerChecker creates a checker over producers
func NewProducerChecker(name string, producers ...Readier) *ProducerChecker {
	return &ProducerChecker{name: name, producers: producers}
}

func (c *ProducerChecker) Name() string {
	return c.name
}

func (c *ProducerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ready := 0
	for _, p := range c.producers {
		ok := p.IsReady()
		if ok {
			ready++
		}
		result.Details[rabbitmq.SanitizeURL(p.URL())] = ok
	}

	result.Status, result.Message = groupStatus(ready, len(c.producers), "producers ready")
	result.Duration = time.Since(start)
	return result
}

// Consumer is a listener that reports its lifecycle state
type Consumer interface {
	URL() string
	State() transport.ListenerState
}

// ListenerChecker reports whether listeners are consuming
type ListenerChecker struct {
	name      string
	listeners []Consumer
}

// NewListenerChecker creates a checker over listeners
func NewListenerChecker(name string, listeners ...Consumer) *ListenerChecker {
	return &ListenerChecker{name: name, listeners: listeners}
}

func (c *ListenerChecker) Name() string {
	return c.name
}

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	consuming := 0
	for i, l := range c.listeners {
		state := l.State()
		if state == transport.ListenerConsuming {
			consuming++
		}
		result.Details[fmt.Sprintf("%d:%s", i, rabbitmq.SanitizeURL(l.URL()))] = state.String()
	}

	result.Status, result.Message = groupStatus(consuming, len(c.listeners), "listeners consuming")
	result.Duration = time.Since(start)
	return result
}

// PoolChecker reports the number of pooled broker connections
type PoolChecker struct {
	pool *rabbitmq.ConnectionPool
}

// NewPoolChecker creates a connection pool checker
func NewPoolChecker(pool *rabbitmq.ConnectionPool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "connection_pool"
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	size := c.pool.Size()
	status := StatusHealthy
	message := fmt.Sprintf("%d connections", size)
	if size == 0 {
		status = StatusDegraded
		message = "no open connections"
	}
	return CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   map[string]any{"connections": size},
	}
}

func groupStatus(up, total int, what string) (Status, string) {
	message := fmt.Sprintf("%d/%d %s", up, total, what)
	switch {
	case up == total:
		return StatusHealthy, message
	case up == 0:
		return StatusUnhealthy, message
	default:
		return StatusDegraded, message
	}
}
