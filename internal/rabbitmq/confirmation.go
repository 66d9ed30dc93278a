package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/SDVentures/Contour-sub001/internal/future"
	"github.com/SDVentures/Contour-sub001/metrics"
)

// Confirmation completes when the broker confirms a publish
type Confirmation struct {
	seq    uint64
	result *future.Future[struct{}]
}

// Confirmed returns a confirmation that has already succeeded
func Confirmed() *Confirmation {
	return &Confirmation{result: future.Completed(struct{}{}, nil)}
}

// FailedConfirmation returns a confirmation that has already failed with err
func FailedConfirmation(err error) *Confirmation {
	return &Confirmation{result: future.Completed(struct{}{}, err)}
}

func (c *Confirmation) complete(err error) bool {
	return c.result.Complete(struct{}{}, err)
}

// SequenceNumber returns the publish sequence number, zero when untracked
func (c *Confirmation) SequenceNumber() uint64 { return c.seq }

// Done is closed once the confirmation has an outcome
func (c *Confirmation) Done() <-chan struct{} { return c.result.Done() }

// Err returns the outcome without blocking; nil while pending
func (c *Confirmation) Err() error {
	_, err, _ := c.result.Result()
	return err
}

// Wait blocks until the broker confirmed the publish or ctx is done
func (c *Confirmation) Wait(ctx context.Context) error {
	_, err := c.result.Get(ctx)
	if err != nil && ctx.Err() != nil && !c.result.IsDone() {
		return cancelled(err)
	}
	return err
}

// ConfirmationTracker correlates publisher confirms with pending publishes
// by sequence number
type ConfirmationTracker struct {
	mu       sync.Mutex
	pending  map[uint64]*Confirmation
	disposed error
	metrics  *metrics.Metrics
}

// NewConfirmationTracker creates an empty tracker; m may be nil
func NewConfirmationTracker(m *metrics.Metrics) *ConfirmationTracker {
	return &ConfirmationTracker{
		pending: make(map[uint64]*Confirmation),
		metrics: m,
	}
}

// Track registers a pending confirmation for seq
func (t *ConfirmationTracker) Track(seq uint64) *Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed != nil {
		return FailedConfirmation(t.disposed)
	}
	c := &Confirmation{seq: seq, result: future.New[struct{}]()}
	t.pending[seq] = c
	return c
}

// Ack resolves the confirmation for tag, or every pending one up to tag
// when multiple is set
func (t *ConfirmationTracker) Ack(tag uint64, multiple bool) {
	t.Confirm(tag, multiple, true)
}

// Nack fails the confirmation for tag, or every pending one up to tag
// when multiple is set
func (t *ConfirmationTracker) Nack(tag uint64, multiple bool) {
	t.Confirm(tag, multiple, false)
}

// Confirm applies a broker ack or nack
func (t *ConfirmationTracker) Confirm(tag uint64, multiple, ack bool) {
	var err error
	if !ack {
		err = fmt.Errorf("%w: delivery tag %d", ErrPublishNotConfirmed, tag)
	}

	for _, c := range t.take(tag, multiple) {
		c.complete(err)
		t.metrics.IncConfirmations(ack)
	}
}

func (t *ConfirmationTracker) take(tag uint64, multiple bool) []*Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !multiple {
		c, ok := t.pending[tag]
		if !ok {
			return nil
		}
		delete(t.pending, tag)
		return []*Confirmation{c}
	}

	var confirmed []*Confirmation
	for seq, c := range t.pending {
		if seq <= tag {
			confirmed = append(confirmed, c)
			delete(t.pending, seq)
		}
	}
	return confirmed
}

// Fail completes the confirmation for seq with err, used when the publish
// itself failed
func (t *ConfirmationTracker) Fail(seq uint64, err error) {
	for _, c := range t.take(seq, false) {
		c.complete(err)
	}
}

// Pending returns the number of unconfirmed publishes
func (t *ConfirmationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Dispose fails every pending confirmation with err. Later Track calls
// return failed confirmations.
func (t *ConfirmationTracker) Dispose(err error) {
	if err == nil {
		err = ErrConfirmationAborted
	}

	t.mu.Lock()
	if t.disposed != nil {
		t.mu.Unlock()
		return
	}
	t.disposed = err
	pending := t.pending
	t.pending = make(map[uint64]*Confirmation)
	t.mu.Unlock()

	for _, c := range pending {
		c.complete(err)
	}
}
