package reliability

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketTimer(t *testing.T) {
	t.Run("Acquire fires callback after delay", func(t *testing.T) {
		timer := NewTicketTimer(WithResolution(5 * time.Millisecond))
		defer timer.Dispose()

		fired := make(chan time.Time, 1)
		start := time.Now()
		timer.Acquire(30*time.Millisecond, func() { fired <- time.Now() })

		select {
		case at := <-fired:
			assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
		case <-time.After(time.Second):
			t.Fatal("callback did not fire")
		}
		assert.Eventually(t, func() bool { return timer.JobCount() == 0 }, time.Second, time.Millisecond)
	})

	t.Run("tickets are unique and increasing", func(t *testing.T) {
		timer := NewTicketTimer()
		defer timer.Dispose()

		first := timer.Acquire(time.Hour, func() {})
		second := timer.Acquire(time.Hour, func() {})
		assert.Greater(t, second, first)
		assert.Equal(t, 2, timer.JobCount())
	})

	t.Run("callbacks fire in deadline order", func(t *testing.T) {
		timer := NewTicketTimer(WithResolution(20 * time.Millisecond))
		defer timer.Dispose()

		var mu sync.Mutex
		var order []int
		done := make(chan struct{})
		record := func(i int) func() {
			return func() {
				mu.Lock()
				order = append(order, i)
				if len(order) == 3 {
					close(done)
				}
				mu.Unlock()
			}
		}

		timer.Acquire(15*time.Millisecond, record(3))
		timer.Acquire(5*time.Millisecond, record(1))
		timer.Acquire(10*time.Millisecond, record(2))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("callbacks did not fire")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("Cancel prevents firing", func(t *testing.T) {
		timer := NewTicketTimer(WithResolution(5 * time.Millisecond))
		defer timer.Dispose()

		var fired atomic.Bool
		ticket := timer.Acquire(20*time.Millisecond, func() { fired.Store(true) })
		timer.Cancel(ticket)

		assert.Equal(t, 0, timer.JobCount())
		time.Sleep(60 * time.Millisecond)
		assert.False(t, fired.Load())
	})

	t.Run("Cancel of unknown or fired ticket is a no-op", func(t *testing.T) {
		timer := NewTicketTimer(WithResolution(5 * time.Millisecond))
		defer timer.Dispose()

		fired := make(chan struct{})
		ticket := timer.Acquire(time.Millisecond, func() { close(fired) })
		<-fired

		assert.NotPanics(t, func() {
			timer.Cancel(ticket)
			timer.Cancel(Ticket(9999))
		})
		assert.Equal(t, 0, timer.JobCount())
	})

	t.Run("panicking callback does not stop other callbacks", func(t *testing.T) {
		timer := NewTicketTimer(WithResolution(5 * time.Millisecond))
		defer timer.Dispose()

		fired := make(chan struct{})
		timer.Acquire(time.Millisecond, func() { panic("boom") })
		timer.Acquire(2*time.Millisecond, func() { close(fired) })

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("second callback did not fire")
		}

		again := make(chan struct{})
		timer.Acquire(time.Millisecond, func() { close(again) })
		select {
		case <-again:
		case <-time.After(time.Second):
			t.Fatal("timer stopped after panic")
		}
	})

	t.Run("Dispose drops pending callbacks", func(t *testing.T) {
		timer := NewTicketTimer(WithResolution(5 * time.Millisecond))

		var fired atomic.Bool
		timer.Acquire(10*time.Millisecond, func() { fired.Store(true) })
		timer.Dispose()
		timer.Dispose()

		require.Equal(t, 0, timer.JobCount())
		timer.Acquire(time.Millisecond, func() { fired.Store(true) })
		assert.Equal(t, 0, timer.JobCount())

		time.Sleep(40 * time.Millisecond)
		assert.False(t, fired.Load())
	})
}
