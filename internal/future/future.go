// Package future provides a single-assignment completion handle shared
// between the goroutine that produces a result and any number of waiters.
package future

import (
	"context"
	"sync"
)

// Future holds a value or an error that is set exactly once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates a pending future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed creates a future that is already resolved with the given outcome
func Completed[T any](value T, err error) *Future[T] {
	f := New[T]()
	f.Complete(value, err)
	return f
}

// Complete resolves the future. Only the first call has an effect; it
// reports whether this call was the one that resolved the future.
func (f *Future[T]) Complete(value T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		completed = true
		close(f.done)
	})
	return completed
}

// Done is closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been resolved
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	if !f.IsDone() {
		return value, nil, false
	}
	return f.value, f.err, true
}

// Get blocks until the future is resolved or ctx is done
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
