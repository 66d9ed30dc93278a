package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

// manualClock lets tests move the breaker past its timeout without sleeping
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *manualClock, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(options...)
	cb.now = clock.Now
	return cb
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts closed and runs the function", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		executed := false
		err := cb.Execute(context.Background(), func(context.Context) error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after consecutive failures and refuses calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("orders"))
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
		}
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(context.Background(), succeed)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "orders", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)
	})

	t.Run("a success resets the failure count while closed", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(context.Background(), fail)
		_ = cb.Execute(context.Background(), succeed)
		_ = cb.Execute(context.Background(), fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("probes after the timeout and closes on enough successes", func(t *testing.T) {
		clock := &manualClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithSuccessThreshold(2), WithTimeout(time.Minute))

		_ = cb.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Minute)
		require.NoError(t, cb.Execute(context.Background(), succeed))
		assert.Equal(t, StateHalfOpen, cb.State())

		require.NoError(t, cb.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("a failed probe opens the circuit again", func(t *testing.T) {
		clock := &manualClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithTimeout(time.Second))

		_ = cb.Execute(context.Background(), fail)
		clock.Advance(time.Second)
		_ = cb.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
	})

	t.Run("limits concurrent probes while half-open", func(t *testing.T) {
		clock := &manualClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithTimeout(time.Second), WithHalfOpenRequests(1))

		_ = cb.Execute(context.Background(), fail)
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = cb.Execute(context.Background(), func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(context.Background(), succeed)
		assert.ErrorIs(t, err, ErrCircuitHalfOpenLimit)
		close(release)
	})

	t.Run("filtered errors and cancellation do not count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithFailureFilter(func(err error) bool {
			return !errors.Is(err, errBoom)
		}))
		_ = cb.Execute(context.Background(), fail)
		_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
		assert.Equal(t, StateClosed, cb.State())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, cb.Execute(ctx, succeed), context.Canceled)
	})

	t.Run("reports transitions and resets", func(t *testing.T) {
		var mu sync.Mutex
		var transitions []string
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithStateChange(func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		}))

		_ = cb.Execute(context.Background(), fail)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
	})

	t.Run("stays consistent under concurrent calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1000))
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_ = cb.Execute(context.Background(), fail)
				} else {
					_ = cb.Execute(context.Background(), succeed)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
