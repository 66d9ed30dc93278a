package reliability

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Ticket identifies a callback scheduled on a TicketTimer
type Ticket uint64

// TicketTimer fires callbacks no earlier than their requested delay. A single
// periodic tick services every pending callback, so precision is bounded by
// the timer resolution.
type TicketTimer struct {
	resolution time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	next     uint64
	jobs     map[Ticket]*timerJob
	queue    jobQueue
	disposed bool

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

type timerJob struct {
	ticket   Ticket
	deadline time.Time
	callback func()
	index    int
}

// TicketTimerOption configures a TicketTimer
type TicketTimerOption func(*TicketTimer)

// WithResolution sets the tick interval
func WithResolution(resolution time.Duration) TicketTimerOption {
	return func(t *TicketTimer) {
		if resolution > 0 {
			t.resolution = resolution
		}
	}
}

// WithTimerLogger sets the logger
func WithTimerLogger(logger *slog.Logger) TicketTimerOption {
	return func(t *TicketTimer) {
		t.logger = logger
	}
}

// NewTicketTimer creates a timer and starts its tick loop
func NewTicketTimer(options ...TicketTimerOption) *TicketTimer {
	t := &TicketTimer{
		resolution: time.Second,
		logger:     slog.Default(),
		now:        time.Now,
		jobs:       make(map[Ticket]*timerJob),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	t.ticker = time.NewTicker(t.resolution)
	go t.run()

	return t
}

// Acquire schedules callback to run after delay and returns its ticket.
// On a disposed timer the ticket is returned but never fires.
func (t *TicketTimer) Acquire(delay time.Duration, callback func()) Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	ticket := Ticket(t.next)
	if t.disposed {
		return ticket
	}

	job := &timerJob{
		ticket:   ticket,
		deadline: t.now().Add(delay),
		callback: callback,
	}
	t.jobs[ticket] = job
	heap.Push(&t.queue, job)

	return ticket
}

// Cancel removes a pending callback. Unknown or already fired tickets are ignored.
func (t *TicketTimer) Cancel(ticket Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[ticket]
	if !ok {
		return
	}
	delete(t.jobs, ticket)
	heap.Remove(&t.queue, job.index)
}

// JobCount returns the number of callbacks that have not fired yet
func (t *TicketTimer) JobCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Resolution returns the tick interval
func (t *TicketTimer) Resolution() time.Duration {
	return t.resolution
}

// Dispose stops the tick loop and drops pending callbacks without firing them
func (t *TicketTimer) Dispose() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.disposed = true
		t.jobs = make(map[Ticket]*timerJob)
		t.queue = nil
		t.mu.Unlock()

		t.ticker.Stop()
		close(t.done)
	})
}

func (t *TicketTimer) run() {
	for {
		select {
		case <-t.ticker.C:
			t.fireExpired()
		case <-t.done:
			return
		}
	}
}

func (t *TicketTimer) fireExpired() {
	now := t.now()

	t.mu.Lock()
	var expired []*timerJob
	for len(t.queue) > 0 && !t.queue[0].deadline.After(now) {
		job := heap.Pop(&t.queue).(*timerJob)
		delete(t.jobs, job.ticket)
		expired = append(expired, job)
	}
	t.mu.Unlock()

	for _, job := range expired {
		t.fire(job)
	}
}

func (t *TicketTimer) fire(job *timerJob) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timer callback panicked",
				"ticket", uint64(job.ticket),
				"panic", r)
		}
	}()
	job.callback()
}

// jobQueue is a min-heap ordered by deadline, ties broken by ticket
type jobQueue []*timerJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].ticket < q[j].ticket
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	job := x.(*timerJob)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}
