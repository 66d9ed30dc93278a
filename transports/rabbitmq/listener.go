package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/internal/reliability"
	"github.com/SDVentures/Contour-sub001/messaging"
	"github.com/SDVentures/Contour-sub001/metrics"
)

// ListenerState is the lifecycle state of a Listener
type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerConsuming
	ListenerStopping
)

func (s ListenerState) String() string {
	switch s {
	case ListenerConsuming:
		return "consuming"
	case ListenerStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// StopReason tells why a listener or producer stopped
type StopReason int

const (
	// StopRegular is a stop requested by the application
	StopRegular StopReason = iota
	// StopTerminate is a stop caused by a channel failure the component
	// was configured not to recover from
	StopTerminate
)

func (r StopReason) String() string {
	if r == StopTerminate {
		return "terminate"
	}
	return "regular"
}

// Listener consumes one queue with a configurable number of workers, each
// bound to its own channel. Deliveries are dispatched to pending request
// expectations, to subscribed consumers or to the unhandled strategy.
type Listener struct {
	id    string
	pool  *rabbitmq.ConnectionPool
	url   string
	queue atomic.Value

	declaration *rabbitmq.QueueDeclaration
	bindings    []rabbitmq.Binding

	parallelism        int
	qos                rabbitmq.QoS
	requireAccept      bool
	terminateOnFailure bool
	reuseConnection    bool
	strictLabels       bool

	failed          messaging.FailedDeliveryStrategy
	unhandled       messaging.UnhandledDeliveryStrategy
	converters      messaging.ConverterResolver
	labels          messaging.LabelHandler
	replier         messaging.Replier
	timerResolution time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	consumers *consumerRegistry

	lifeMu     sync.Mutex
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	stateMu    sync.Mutex
	state      atomic.Int32
	generation uint64
	conn       *rabbitmq.Connection
	workers    []*listenerWorker
	runCancel  context.CancelFunc
	wg         sync.WaitGroup

	expectMu     sync.Mutex
	expectations map[string]*Expectation
	timer        *reliability.TicketTimer

	observersMu sync.Mutex
	onStopped   []func(StopReason)
}

type listenerWorker struct {
	channel  *rabbitmq.Channel
	observer uint64
	tag      string
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// WithQueue sets the queue to consume
func WithQueue(queue string) ListenerOption {
	return func(l *Listener) {
		l.queue.Store(queue)
	}
}

// WithParallelism sets the number of channels and workers
func WithParallelism(n int) ListenerOption {
	return func(l *Listener) {
		l.parallelism = n
	}
}

// WithQoS sets the prefetch limits applied to every channel
func WithQoS(qos rabbitmq.QoS) ListenerOption {
	return func(l *Listener) {
		l.qos = qos
	}
}

// WithRequireAccept makes the broker wait for an explicit accept of every delivery
func WithRequireAccept(require bool) ListenerOption {
	return func(l *Listener) {
		l.requireAccept = require
	}
}

// WithListenerTerminateOnFailure stops the listener for good on a channel
// failure instead of recovering
func WithListenerTerminateOnFailure(terminate bool) ListenerOption {
	return func(l *Listener) {
		l.terminateOnFailure = terminate
	}
}

// WithListenerReuseConnection selects a shared pooled connection (default)
// or an exclusive one
func WithListenerReuseConnection(reuse bool) ListenerOption {
	return func(l *Listener) {
		l.reuseConnection = reuse
	}
}

// WithStrictLabels treats deliveries without a matching or any-label
// consumer as unhandled instead of passing them to the first registered consumer
func WithStrictLabels(strict bool) ListenerOption {
	return func(l *Listener) {
		l.strictLabels = strict
	}
}

// WithFailedDeliveryStrategy sets what happens to deliveries whose consumer failed
func WithFailedDeliveryStrategy(strategy messaging.FailedDeliveryStrategy) ListenerOption {
	return func(l *Listener) {
		l.failed = strategy
	}
}

// WithUnhandledDeliveryStrategy sets what happens to deliveries no consumer matched
func WithUnhandledDeliveryStrategy(strategy messaging.UnhandledDeliveryStrategy) ListenerOption {
	return func(l *Listener) {
		l.unhandled = strategy
	}
}

func WithListenerConverters(converters messaging.ConverterResolver) ListenerOption {
	return func(l *Listener) {
		l.converters = converters
	}
}

func WithListenerLabelHandler(labels messaging.LabelHandler) ListenerOption {
	return func(l *Listener) {
		l.labels = labels
	}
}

// WithReplier sets the endpoint consumers reply through
func WithReplier(replier messaging.Replier) ListenerOption {
	return func(l *Listener) {
		l.replier = replier
	}
}

// WithTimerResolution sets the tick of the timer that expires requests
func WithTimerResolution(resolution time.Duration) ListenerOption {
	return func(l *Listener) {
		l.timerResolution = resolution
	}
}

// WithQueueDeclaration declares the queue and its bindings before
// consuming. A declaration without a name lets the broker pick one.
func WithQueueDeclaration(queue rabbitmq.QueueDeclaration, bindings ...rabbitmq.Binding) ListenerOption {
	return func(l *Listener) {
		l.declaration = &queue
		l.bindings = bindings
		if queue.Name != "" {
			l.queue.Store(queue.Name)
		}
	}
}

func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

func WithListenerMetrics(m *metrics.Metrics) ListenerOption {
	return func(l *Listener) {
		l.metrics = m
	}
}

// NewListener creates a listener on the broker at url. Nothing is consumed
// until StartConsuming.
func NewListener(pool *rabbitmq.ConnectionPool, url string, options ...ListenerOption) (*Listener, error) {
	l := &Listener{
		id:              uuid.New().String(),
		pool:            pool,
		url:             url,
		parallelism:     1,
		reuseConnection: true,
		converters:      messaging.NewConverterRegistry(),
		labels:          messaging.HeaderLabelHandler{},
		timerResolution: time.Second,
		logger:          slog.Default(),
		consumers:       newConsumerRegistry(),
		expectations:    make(map[string]*Expectation),
	}
	l.queue.Store("")

	for _, opt := range options {
		opt(l)
	}

	switch {
	case pool == nil:
		return nil, fmt.Errorf("%w: listener needs a connection pool", rabbitmq.ErrInvalidConfiguration)
	case url == "":
		return nil, fmt.Errorf("%w: listener needs a broker url", rabbitmq.ErrInvalidConfiguration)
	case l.queueName() == "" && l.declaration == nil:
		return nil, fmt.Errorf("%w: listener needs a queue", rabbitmq.ErrInvalidConfiguration)
	case l.parallelism < 1:
		return nil, fmt.Errorf("%w: parallelism must be at least 1", rabbitmq.ErrInvalidConfiguration)
	}

	if l.failed == nil {
		l.failed = messaging.RejectFailedDelivery{Logger: l.logger}
	}
	if l.unhandled == nil {
		l.unhandled = messaging.RejectUnhandled{Logger: l.logger}
	}
	l.logger = l.logger.With("listenerId", l.id, "url", rabbitmq.SanitizeURL(url))

	return l, nil
}

// ID returns the listener identity
func (l *Listener) ID() string { return l.id }

// URL returns the broker url
func (l *Listener) URL() string { return l.url }

func (l *Listener) queueName() string {
	return l.queue.Load().(string)
}

// Route returns the address that reaches this listener's queue
func (l *Listener) Route() messaging.Route {
	return messaging.Route{RoutingKey: l.queueName()}
}

// State returns the current lifecycle state
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Labels returns the labels with a subscribed consumer
func (l *Listener) Labels() []string {
	return l.consumers.labels()
}

// Subscribe registers consumer for label. A later registration for the same
// label replaces the earlier one; messaging.AnyLabel registers the fallback.
func (l *Listener) Subscribe(label string, consumer messaging.Consumer) {
	l.consumers.add(label, consumer)
	l.logger.Debug("consumer subscribed", "label", label)
}

// OnStopped registers an observer for listener stops. Observers run on
// their own goroutines.
func (l *Listener) OnStopped(observer func(StopReason)) {
	l.observersMu.Lock()
	defer l.observersMu.Unlock()
	l.onStopped = append(l.onStopped, observer)
}

func (l *Listener) notifyStopped(reason StopReason) {
	l.observersMu.Lock()
	defer l.observersMu.Unlock()
	for _, observer := range l.onStopped {
		go observer(reason)
	}
}

func (l *Listener) lifetime() context.Context {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.lifeCtx == nil {
		l.lifeCtx, l.lifeCancel = context.WithCancel(context.Background())
	}
	return l.lifeCtx
}

// StartConsuming opens one channel per parallelism slot and starts a worker
// on each. It does nothing when the listener already consumes.
func (l *Listener) StartConsuming(ctx context.Context) error {
	life := l.lifetime()

	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	if l.State() == ListenerConsuming {
		return nil
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	if err := l.startLocked(startCtx); err != nil {
		l.stopLocked()
		return err
	}

	l.logger.Info("listener started",
		"queue", l.queueName(),
		"parallelism", l.parallelism)
	return nil
}

func (l *Listener) startLocked(ctx context.Context) error {
	conn, err := l.pool.Get(ctx, l.url, l.reuseConnection)
	if err != nil {
		return err
	}
	l.conn = conn
	l.generation++
	generation := l.generation

	runCtx, runCancel := context.WithCancel(context.Background())
	l.runCancel = runCancel

	for i := 0; i < l.parallelism; i++ {
		channel, err := conn.OpenChannel(ctx)
		if err != nil {
			return err
		}
		worker := &listenerWorker{channel: channel}
		l.workers = append(l.workers, worker)
		worker.observer = channel.OnShutdown(func(event rabbitmq.ShutdownEvent) {
			l.onChannelShutdown(generation, event)
		})

		if i == 0 && l.declaration != nil {
			if err := l.declare(channel); err != nil {
				return err
			}
		}
		if !l.qos.IsZero() {
			if err := channel.SetQoS(l.qos); err != nil {
				return err
			}
		}

		tag, deliveries, err := channel.Consume(runCtx, l.queueName(), l.requireAccept)
		if err != nil {
			return err
		}
		worker.tag = tag

		l.wg.Add(1)
		go l.work(runCtx, deliveries)
	}

	l.state.Store(int32(ListenerConsuming))
	return nil
}

func (l *Listener) declare(channel *rabbitmq.Channel) error {
	declaration := *l.declaration
	if declaration.Name == "" {
		declaration.Name = l.queueName()
	}
	queue, err := channel.DeclareQueue(declaration)
	if err != nil {
		return err
	}
	l.queue.Store(queue.Name)

	for _, binding := range l.bindings {
		binding.Queue = queue.Name
		if err := channel.BindQueue(binding); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) work(ctx context.Context, deliveries <-chan *rabbitmq.Delivery) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.dispatch(ctx, d)
		}
	}
}

// stopLocked cancels the workers, waits for them and releases channels.
// Expectations survive so a recovery does not lose pending requests.
func (l *Listener) stopLocked() {
	if l.runCancel != nil {
		l.runCancel()
		l.runCancel = nil
	}

	for _, worker := range l.workers {
		worker.channel.RemoveShutdownObserver(worker.observer)
		if worker.tag == "" {
			continue
		}
		if err := worker.channel.StopConsuming(worker.tag); err != nil {
			l.logger.Debug("error while cancelling consumer", "consumerTag", worker.tag, "error", err)
		}
	}

	l.wg.Wait()

	for _, worker := range l.workers {
		worker.channel.Dispose()
	}
	l.workers = nil

	if l.conn != nil && !l.reuseConnection {
		l.pool.Release(l.conn)
	}
	l.conn = nil
	l.state.Store(int32(ListenerIdle))
}

// StopConsuming stops every worker, releases the channels and cancels the
// requests still waiting for a reply. Expectations registered while the
// listener was not consuming are cancelled too.
func (l *Listener) StopConsuming() {
	l.lifeMu.Lock()
	if l.lifeCancel != nil {
		l.lifeCancel()
	}
	l.lifeCtx, l.lifeCancel = nil, nil
	l.lifeMu.Unlock()

	l.stateMu.Lock()
	if l.State() != ListenerConsuming {
		l.stateMu.Unlock()
		l.shutdownExpectations()
		return
	}
	l.state.Store(int32(ListenerStopping))
	l.stopLocked()
	l.stateMu.Unlock()

	l.shutdownExpectations()
	l.logger.Info("listener stopped", "queue", l.queueName())
	l.notifyStopped(StopRegular)
}

func (l *Listener) onChannelShutdown(generation uint64, event rabbitmq.ShutdownEvent) {
	if event.Initiator == rabbitmq.InitiatorApplication {
		return
	}

	l.lifeMu.Lock()
	life := l.lifeCtx
	l.lifeMu.Unlock()
	if life == nil || life.Err() != nil {
		return
	}

	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	if generation != l.generation || l.State() != ListenerConsuming {
		return
	}

	l.logger.Warn("listener channel failed",
		"channelId", event.ChannelID,
		"initiator", event.Initiator.String(),
		"code", event.Code,
		"reason", event.Reason,
		"error", event.Err)

	l.state.Store(int32(ListenerStopping))
	l.stopLocked()

	if l.terminateOnFailure {
		l.shutdownExpectations()
		l.logger.Error("listener terminated after channel failure", "queue", l.queueName())
		l.notifyStopped(StopTerminate)
		return
	}

	l.metrics.IncRecoveries("listener")
	if err := l.startLocked(life); err != nil {
		l.stopLocked()
		if life.Err() != nil {
			return
		}
		l.shutdownExpectations()
		l.logger.Error("listener failed to recover", "queue", l.queueName(), "error", err)
		l.notifyStopped(StopTerminate)
		return
	}
	l.logger.Info("listener recovered", "queue", l.queueName())
}

func (l *Listener) dispatch(ctx context.Context, d *rabbitmq.Delivery) {
	queue := l.queueName()

	defer func() {
		if r := recover(); r != nil {
			l.fail(ctx, d, fmt.Errorf("consumer panic: %v", r))
		}
	}()

	if id := d.CorrelationID(); id != "" && d.ReplyRoute().IsZero() {
		if e, ok := l.takeExpectation(id); ok {
			if e.complete(d) {
				l.metrics.ExpectationFinished(outcomeOf(e.State()))
			}
			if err := d.Accept(); err != nil {
				l.logger.Warn("failed to accept reply", "correlationId", id, "error", err)
			}
			l.metrics.IncDeliveries(queue, metrics.DeliveryReply)
			return
		}
	}

	label := l.labels.Resolve(d.Headers())
	if label == "" {
		label = d.Label()
	}

	consumer, ok := l.consumers.resolve(label, l.strictLabels)
	if !ok {
		l.unhandled.HandleUnhandled(ctx, d)
		l.metrics.IncDeliveries(queue, metrics.DeliveryUnhandled)
		return
	}

	cc := messaging.NewConsumingContext(d, l.converters, l.replier)
	if err := consumer.Handle(messaging.WithIncomingHeaders(ctx, d.Headers()), cc); err != nil {
		l.fail(ctx, d, err)
		return
	}

	if d.RequiresAccept() && !d.Settled() {
		if err := d.Accept(); err != nil {
			l.logger.Warn("failed to accept delivery", "label", label, "error", err)
		}
	}
	l.metrics.IncDeliveries(queue, metrics.DeliveryHandled)
}

func (l *Listener) fail(ctx context.Context, d *rabbitmq.Delivery, err error) {
	l.metrics.IncDeliveries(l.queueName(), metrics.DeliveryFailed)

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("failed delivery strategy panicked", "panic", r)
		}
	}()
	l.failed.HandleFailed(ctx, messaging.FailedDelivery{Delivery: d, Err: err})
}

// Expect registers a pending request for correlationID and returns it. A
// request already pending under the same id is returned as is. With a
// positive timeout the request fails with ErrResponseTimeout once it elapses.
func (l *Listener) Expect(correlationID string, build ResponseBuilder, timeout time.Duration) *Expectation {
	l.expectMu.Lock()
	defer l.expectMu.Unlock()

	if e, ok := l.expectations[correlationID]; ok {
		return e
	}

	e := newExpectation(correlationID, build)
	l.expectations[correlationID] = e
	l.metrics.ExpectationStarted()

	if timeout > 0 {
		if l.timer == nil {
			l.timer = reliability.NewTicketTimer(
				reliability.WithResolution(l.timerResolution),
				reliability.WithTimerLogger(l.logger))
		}
		e.setTicket(l.timer.Acquire(timeout, func() {
			l.expire(e, timeout)
		}))
	}
	return e
}

func (l *Listener) expire(e *Expectation, timeout time.Duration) {
	l.expectMu.Lock()
	if current, ok := l.expectations[e.correlationID]; ok && current == e {
		delete(l.expectations, e.correlationID)
	}
	l.expectMu.Unlock()

	err := fmt.Errorf("%w: no reply for %s within %s", ErrResponseTimeout, e.correlationID, timeout)
	if e.finish(nil, err, ExpectationTimedOut) {
		l.metrics.ExpectationFinished(metrics.ExpectationTimedOut)
		l.logger.Debug("request timed out", "correlationId", e.correlationID)
	}
}

// takeExpectation removes the pending request for id and cancels its timeout
func (l *Listener) takeExpectation(id string) (*Expectation, bool) {
	l.expectMu.Lock()
	defer l.expectMu.Unlock()

	e, ok := l.expectations[id]
	if !ok {
		return nil, false
	}
	delete(l.expectations, id)
	if ticket, ok := e.timeoutTicket(); ok && l.timer != nil {
		l.timer.Cancel(ticket)
	}
	return e, true
}

// FailExpectation fails the pending request for correlationID with err
func (l *Listener) FailExpectation(correlationID string, err error) {
	e, ok := l.takeExpectation(correlationID)
	if !ok {
		return
	}
	if e.finish(nil, err, ExpectationFaulted) {
		l.metrics.ExpectationFinished(metrics.ExpectationFaulted)
	}
}

// ExpectationCount returns the number of requests waiting for a reply
func (l *Listener) ExpectationCount() int {
	l.expectMu.Lock()
	defer l.expectMu.Unlock()
	return len(l.expectations)
}

// PendingTimeouts returns the number of request timeouts not fired yet
func (l *Listener) PendingTimeouts() int {
	l.expectMu.Lock()
	defer l.expectMu.Unlock()
	if l.timer == nil {
		return 0
	}
	return l.timer.JobCount()
}

func (l *Listener) shutdownExpectations() {
	l.expectMu.Lock()
	pending := l.expectations
	l.expectations = make(map[string]*Expectation)
	timer := l.timer
	l.timer = nil
	l.expectMu.Unlock()

	if timer != nil {
		timer.Dispose()
	}
	for id, e := range pending {
		if e.finish(nil, fmt.Errorf("%w: request %s cancelled", ErrListenerStopped, id), ExpectationCancelled) {
			l.metrics.ExpectationFinished(metrics.ExpectationCancelled)
		}
	}
}

func outcomeOf(state ExpectationState) string {
	switch state {
	case ExpectationCompleted:
		return metrics.ExpectationCompleted
	case ExpectationTimedOut:
		return metrics.ExpectationTimedOut
	case ExpectationCancelled:
		return metrics.ExpectationCancelled
	default:
		return metrics.ExpectationFaulted
	}
}

// settings returns the options two listeners sharing a queue must agree on
func (l *Listener) settings() listenerSettings {
	return listenerSettings{
		parallelism:        l.parallelism,
		qos:                l.qos,
		requireAccept:      l.requireAccept,
		terminateOnFailure: l.terminateOnFailure,
		reuseConnection:    l.reuseConnection,
	}
}

type listenerSettings struct {
	parallelism        int
	qos                rabbitmq.QoS
	requireAccept      bool
	terminateOnFailure bool
	reuseConnection    bool
}
