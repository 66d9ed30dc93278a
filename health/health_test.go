package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transport "github.com/SDVentures/Contour-sub001/transports/rabbitmq"
)

type stubProducer struct {
	url   string
	ready bool
}

func (p stubProducer) URL() string   { return p.url }
func (p stubProducer) IsReady() bool { return p.ready }

type stubListener struct {
	url   string
	state transport.ListenerState
}

func (l stubListener) URL() string                    { return l.url }
func (l stubListener) State() transport.ListenerState { return l.state }

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("the report takes the worst status", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusHealthy))
		r.Register(fixed("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(fixed("c", StatusUnhealthy))
		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "c", report.Checks["c"].Name)
	})

	t.Run("an empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(context.Background()).Status)
	})

	t.Run("slow checks are unhealthy when the context ends", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("unregistered checks are not run", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusUnhealthy))
		r.Register(fixed("b", StatusHealthy))
		r.Unregister("a")
		assert.Equal(t, []string{"b"}, r.Names())
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
	})
}

func TestProducerChecker(t *testing.T) {
	tests := []struct {
		name      string
		producers []Readier
		want      Status
	}{
		{"all ready", []Readier{stubProducer{"amqp://a", true}, stubProducer{"amqp://b", true}}, StatusHealthy},
		{"some ready", []Readier{stubProducer{"amqp://a", true}, stubProducer{"amqp://b", false}}, StatusDegraded},
		{"none ready", []Readier{stubProducer{"amqp://a", false}}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewProducerChecker("sender:orders", tt.producers...).Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Len(t, result.Details, len(tt.producers))
		})
	}
}

func TestListenerChecker(t *testing.T) {
	checker := NewListenerChecker("listeners",
		stubListener{"amqp://a", transport.ListenerConsuming},
		stubListener{"amqp://a", transport.ListenerIdle},
	)
	result := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "1/2 listeners consuming", result.Message)
}

func TestHandler(t *testing.T) {
	t.Run("healthy reports answer 200", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
	})

	t.Run("unhealthy reports answer 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
