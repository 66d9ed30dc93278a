// Copyright 2024 Contour Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package contour assembles the RabbitMQ transport into a message bus
// endpoint described by a config.Config.
package contour

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SDVentures/Contour-sub001/config"
	"github.com/SDVentures/Contour-sub001/health"
	"github.com/SDVentures/Contour-sub001/interceptors"
	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/internal/reliability"
	"github.com/SDVentures/Contour-sub001/messaging"
	"github.com/SDVentures/Contour-sub001/metrics"
	transport "github.com/SDVentures/Contour-sub001/transports/rabbitmq"
)

var (
	// ErrNoSender is returned for labels without a configured sender
	ErrNoSender = errors.New("contour: no sender configured for label")
	// ErrNoReceiver is returned when subscribing to a label nobody receives
	ErrNoReceiver = errors.New("contour: no receiver configured for label")
	// ErrNotRequester is returned when requesting through a plain sender
	ErrNotRequester = errors.New("contour: sender is not a requester")
)

// Bus is a configured endpoint: senders with fault tolerant producers and
// receivers backed by shared listeners
type Bus struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	converters *messaging.ConverterRegistry
	failed     messaging.FailedDeliveryStrategy
	unhandled  messaging.UnhandledDeliveryStrategy
	chain      *interceptors.InterceptorChain
	health     *health.Registry

	pool     *rabbitmq.ConnectionPool
	registry *transport.ListenerRegistry

	senders        map[string]*sender
	receivers      []*receiver
	replyListeners map[string]*transport.Listener
	replyProducers map[string]*transport.Producer

	mu      sync.Mutex
	started bool
}

type sender struct {
	cfg       config.SenderConfig
	producers []*transport.Producer
	selector  *transport.RoundRobinSelector
	tolerant  *transport.FaultTolerantProducer
}

type receiver struct {
	cfg       config.ReceiverConfig
	listeners []*transport.Listener
}

// busConfig holds configuration for bus creation
type busConfig struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	dialer       rabbitmq.Dialer
	converters   *messaging.ConverterRegistry
	failed       messaging.FailedDeliveryStrategy
	unhandled    messaging.UnhandledDeliveryStrategy
	interceptors []interceptors.Interceptor
}

// BusOption configures bus creation
type BusOption func(*busConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(cfg *busConfig) {
		cfg.logger = logger
	}
}

// WithMetrics reports transport activity to m
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(cfg *busConfig) {
		cfg.metrics = m
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) BusOption {
	return func(cfg *busConfig) {
		cfg.dialer = dialer
	}
}

// WithConverters sets the payload converters shared by senders and receivers
func WithConverters(converters *messaging.ConverterRegistry) BusOption {
	return func(cfg *busConfig) {
		cfg.converters = converters
	}
}

// WithFailedDeliveryStrategy sets what receivers do with deliveries their consumer failed
func WithFailedDeliveryStrategy(strategy messaging.FailedDeliveryStrategy) BusOption {
	return func(cfg *busConfig) {
		cfg.failed = strategy
	}
}

// WithUnhandledDeliveryStrategy sets what receivers do with deliveries no consumer takes
func WithUnhandledDeliveryStrategy(strategy messaging.UnhandledDeliveryStrategy) BusOption {
	return func(cfg *busConfig) {
		cfg.unhandled = strategy
	}
}

// WithInterceptors runs every subscribed consumer behind interceptors,
// the first one outermost
func WithInterceptors(list ...interceptors.Interceptor) BusOption {
	return func(cfg *busConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

// New builds every sender and receiver of cfg. Nothing connects until Start.
func New(cfg *config.Config, options ...BusOption) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", config.ErrInvalidConfig)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &busConfig{
		logger:     slog.Default(),
		converters: messaging.NewConverterRegistry(),
	}
	for _, option := range options {
		option(opts)
	}

	b := &Bus{
		cfg:            cfg,
		logger:         opts.logger.With("component", "contour", "endpoint", cfg.Endpoint),
		metrics:        opts.metrics,
		converters:     opts.converters,
		failed:         opts.failed,
		unhandled:      opts.unhandled,
		registry:       transport.NewListenerRegistry(),
		senders:        make(map[string]*sender),
		replyListeners: make(map[string]*transport.Listener),
		replyProducers: make(map[string]*transport.Producer),
	}

	b.chain = interceptors.NewInterceptorChain(b.logger)
	for _, i := range opts.interceptors {
		b.chain.Add(i)
	}

	pool, err := b.newPool(opts.dialer)
	if err != nil {
		return nil, err
	}
	b.pool = pool

	for _, sc := range cfg.Senders {
		s, err := b.newSender(sc)
		if err != nil {
			pool.Dispose()
			return nil, fmt.Errorf("sender %s: %w", sc.Label, err)
		}
		b.senders[sc.Label] = s
	}
	for _, rc := range cfg.Receivers {
		r, err := b.newReceiver(rc)
		if err != nil {
			pool.Dispose()
			return nil, fmt.Errorf("receiver %s: %w", rc.Label, err)
		}
		b.receivers = append(b.receivers, r)
	}
	b.registerChecks()

	return b, nil
}

func (b *Bus) registerChecks() {
	b.health = health.NewRegistry()
	b.health.Register(health.NewPoolChecker(b.pool))

	for label, s := range b.senders {
		readiers := make([]health.Readier, 0, len(s.producers))
		for _, p := range s.producers {
			readiers = append(readiers, p)
		}
		b.health.Register(health.NewProducerChecker("sender:"+label, readiers...))
	}

	var listeners []health.Consumer
	for _, l := range b.registry.Listeners() {
		listeners = append(listeners, l)
	}
	for _, l := range b.replyListeners {
		listeners = append(listeners, l)
	}
	if len(listeners) > 0 {
		b.health.Register(health.NewListenerChecker("listeners", listeners...))
	}
}

func (b *Bus) newPool(dialer rabbitmq.Dialer) (*rabbitmq.ConnectionPool, error) {
	conn := b.cfg.Connection
	if dialer == nil {
		timeout := conn.DialTimeout.Std()
		dialer = func(ctx context.Context, url string) (rabbitmq.BrokerConnection, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return rabbitmq.Dial(ctx, url)
		}
	}

	return rabbitmq.NewConnectionPool(
		rabbitmq.WithMaxSize(conn.PoolSize),
		rabbitmq.WithPoolLogger(b.logger),
		rabbitmq.WithConnectionOptions(
			rabbitmq.WithLogger(b.logger),
			rabbitmq.WithDialer(dialer),
			rabbitmq.WithBackoff(reliability.NewLinearBackoff(conn.RetryStep.Std(), conn.RetryMax.Std())),
			rabbitmq.WithCloseTimeout(conn.CloseTimeout.Std()),
			rabbitmq.WithMetrics(b.metrics),
		),
	)
}

func (b *Bus) newSender(sc config.SenderConfig) (*sender, error) {
	s := &sender{cfg: sc}
	publishers := make([]transport.Publisher, 0, len(sc.URLs))

	for _, url := range sc.URLs {
		options := []transport.ProducerOption{
			transport.WithRoute(sc.Route()),
			transport.WithConfirmation(sc.Confirm),
			transport.WithPersistence(sc.Persist),
			transport.WithEndpoint(b.cfg.Endpoint),
			transport.WithDefaultTimeout(sc.Timeout.Std()),
			transport.WithProducerReuseConnection(!sc.ExclusiveConnection),
			transport.WithProducerTerminateOnFailure(sc.TerminateOnFailure),
			transport.WithProducerConverters(b.converters),
			transport.WithProducerLogger(b.logger),
			transport.WithProducerMetrics(b.metrics),
		}
		if sc.ContentType != "" {
			options = append(options, transport.WithContentType(sc.ContentType))
		}
		if sc.Requester {
			listener, err := b.replyListener(url)
			if err != nil {
				return nil, err
			}
			options = append(options, transport.WithReplyListener(listener))
		}

		producer, err := transport.NewProducer(b.pool, url, options...)
		if err != nil {
			return nil, err
		}
		s.producers = append(s.producers, producer)
		publishers = append(publishers, producer)
	}

	s.selector = transport.NewRoundRobinSelector(publishers...)
	tolerant, err := transport.NewFaultTolerantProducer(s.selector,
		transport.WithAttempts(sc.Attempts),
		transport.WithFaultTolerantLogger(b.logger),
		transport.WithFaultTolerantMetrics(b.metrics),
	)
	if err != nil {
		return nil, err
	}
	s.tolerant = tolerant
	return s, nil
}

// replyListener returns the listener collecting replies on url. Every
// requester on the same broker shares it.
func (b *Bus) replyListener(url string) (*transport.Listener, error) {
	if l, ok := b.replyListeners[url]; ok {
		return l, nil
	}

	queue := rabbitmq.QueueDeclaration{
		Name:       fmt.Sprintf("%s.replies.%s", b.cfg.Endpoint, uuid.NewString()),
		Exclusive:  true,
		AutoDelete: true,
	}
	l, err := transport.NewListener(b.pool, url,
		transport.WithQueueDeclaration(queue),
		transport.WithListenerConverters(b.converters),
		transport.WithListenerLogger(b.logger),
		transport.WithListenerMetrics(b.metrics),
	)
	if err != nil {
		return nil, err
	}
	b.replyListeners[url] = l
	return l, nil
}

// replyProducer returns the producer receivers on url answer requests with
func (b *Bus) replyProducer(url string) (*transport.Producer, error) {
	if p, ok := b.replyProducers[url]; ok {
		return p, nil
	}

	p, err := transport.NewProducer(b.pool, url,
		transport.WithEndpoint(b.cfg.Endpoint),
		transport.WithProducerConverters(b.converters),
		transport.WithProducerLogger(b.logger),
		transport.WithProducerMetrics(b.metrics),
	)
	if err != nil {
		return nil, err
	}
	b.replyProducers[url] = p
	return p, nil
}

func (b *Bus) newReceiver(rc config.ReceiverConfig) (*receiver, error) {
	r := &receiver{cfg: rc}

	for _, url := range rc.URLs {
		replier, err := b.replyProducer(url)
		if err != nil {
			return nil, err
		}

		options := []transport.ListenerOption{
			transport.WithParallelism(rc.Parallelism),
			transport.WithQoS(rabbitmq.QoS{PrefetchCount: rc.PrefetchCount, PrefetchSize: rc.PrefetchSize}),
			transport.WithRequireAccept(rc.RequireAccept),
			transport.WithListenerTerminateOnFailure(rc.TerminateOnFailure),
			transport.WithListenerReuseConnection(!rc.ExclusiveConnection),
			transport.WithStrictLabels(rc.StrictLabels),
			transport.WithReplier(replier),
			transport.WithListenerConverters(b.converters),
			transport.WithListenerLogger(b.logger),
			transport.WithListenerMetrics(b.metrics),
		}
		if rc.Declare {
			options = append(options, transport.WithQueueDeclaration(declaration(rc), bindings(rc)...))
		} else {
			options = append(options, transport.WithQueue(rc.Queue))
		}
		if b.failed != nil {
			options = append(options, transport.WithFailedDeliveryStrategy(b.failed))
		}
		if b.unhandled != nil {
			options = append(options, transport.WithUnhandledDeliveryStrategy(b.unhandled))
		}

		listener, err := b.registry.ResolveOrAdd(b.pool, url, options...)
		if err != nil {
			return nil, err
		}
		r.listeners = append(r.listeners, listener)
	}

	return r, nil
}

func declaration(rc config.ReceiverConfig) rabbitmq.QueueDeclaration {
	queue := rabbitmq.QueueDeclaration{Name: rc.Queue, Durable: true}
	if rc.QueueTTL > 0 {
		queue = queue.WithTTL(rc.QueueTTL.Std())
	}
	if rc.MaxLength > 0 {
		queue = queue.WithMaxLength(rc.MaxLength)
	}
	return queue
}

func bindings(rc config.ReceiverConfig) []rabbitmq.Binding {
	if rc.Exchange == "" {
		return nil
	}
	key := rc.RoutingKey
	if key == "" {
		key = rc.Label
	}
	return []rabbitmq.Binding{{Queue: rc.Queue, Exchange: rc.Exchange, RoutingKey: key}}
}

// Subscribe registers consumer for label on every listener of the matching
// receiver. Labels without a dedicated receiver go to the "*" receiver.
func (b *Bus) Subscribe(label string, consumer messaging.Consumer) error {
	var target, fallback *receiver
	for _, r := range b.receivers {
		switch r.cfg.Label {
		case label:
			target = r
		case messaging.AnyLabel:
			fallback = r
		}
	}
	if target == nil {
		target = fallback
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrNoReceiver, label)
	}

	consumer = b.chain.Wrap(consumer)
	for _, l := range target.listeners {
		l.Subscribe(label, consumer)
	}
	return nil
}

// Start opens every producer and listener. A failure stops whatever
// already started.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range b.replyProducers {
		g.Go(func() error { return p.Start(gctx) })
	}
	for _, l := range b.registry.Listeners() {
		g.Go(func() error { return l.StartConsuming(gctx) })
	}
	for _, s := range b.senders {
		for _, p := range s.producers {
			g.Go(func() error { return p.Start(gctx) })
		}
	}

	if err := g.Wait(); err != nil {
		b.stopAll()
		return fmt.Errorf("failed to start bus: %w", err)
	}

	b.started = true
	b.logger.Info("bus started",
		"senders", len(b.senders),
		"listeners", len(b.registry.Listeners()))
	return nil
}

// Stop stops every producer and listener and closes the broker
// connections. The bus can be started again.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAll()
	b.started = false
	b.logger.Info("bus stopped")
}

func (b *Bus) stopAll() {
	var wg sync.WaitGroup
	for _, s := range b.senders {
		for _, p := range s.producers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Stop()
			}()
		}
	}
	for _, l := range b.registry.Listeners() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.StopConsuming()
		}()
	}
	wg.Wait()

	for _, p := range b.replyProducers {
		p.Stop()
	}
	for _, l := range b.replyListeners {
		l.StopConsuming()
	}
	b.pool.Drop()
}

// Health returns the checks covering every producer and listener of the bus
func (b *Bus) Health() *health.Registry {
	return b.health
}

// Registry returns the listeners shared by the receivers
func (b *Bus) Registry() *transport.ListenerRegistry {
	return b.registry
}

// MessageOption adjusts an outgoing message
type MessageOption func(*messaging.Message)

// WithHeader sets a message header
func WithHeader(key string, value any) MessageOption {
	return func(m *messaging.Message) {
		m.Headers[key] = value
	}
}

// WithCorrelationID sets the correlation id of a request
func WithCorrelationID(id string) MessageOption {
	return WithHeader(messaging.HeaderCorrelationID, id)
}

// WithTimeout bounds how long a request waits for its reply
func WithTimeout(timeout time.Duration) MessageOption {
	return WithHeader(messaging.HeaderTimeout, timeout)
}

// WithTTL sets the message expiration
func WithTTL(ttl time.Duration) MessageOption {
	return WithHeader(messaging.HeaderTTL, ttl)
}

// WithPersistence overrides the sender persistence setting
func WithPersistence(persist bool) MessageOption {
	return WithHeader(messaging.HeaderPersist, persist)
}

func (b *Bus) message(s *sender, label string, payload any, options []MessageOption) messaging.Message {
	msg := messaging.NewMessage(label, payload)
	if s.cfg.TTL > 0 {
		msg.Headers[messaging.HeaderTTL] = s.cfg.TTL.Std()
	}
	for _, option := range options {
		option(&msg)
	}
	return msg
}

func (b *Bus) sender(label string) (*sender, error) {
	s, ok := b.senders[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, label)
	}
	return s, nil
}

func (b *Bus) requester(label string) (*sender, error) {
	s, err := b.sender(label)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Requester {
		return nil, fmt.Errorf("%w: %s", ErrNotRequester, label)
	}
	return s, nil
}

// Emit publishes payload under label and waits for the broker to take it
func (b *Bus) Emit(ctx context.Context, label string, payload any, options ...MessageOption) error {
	s, err := b.sender(label)
	if err != nil {
		return err
	}
	return s.tolerant.Send(ctx, b.message(s, label, payload, options))
}

// RequestAsync sends a request through the next producer of the sender
// and returns the pending reply. Unlike Request it makes a single attempt.
func (b *Bus) RequestAsync(ctx context.Context, label string, payload any, build transport.ResponseBuilder, options ...MessageOption) (*transport.Expectation, error) {
	s, err := b.requester(label)
	if err != nil {
		return nil, err
	}
	msg := b.message(s, label, payload, options)
	producer, err := s.selector.NextFor(msg)
	if err != nil {
		return nil, err
	}
	return producer.Request(ctx, msg, build), nil
}

// Request sends a request under label and decodes the reply into T,
// retrying on other producers as configured for the sender
func Request[T any](ctx context.Context, b *Bus, label string, payload any, options ...MessageOption) (T, error) {
	var zero T
	s, err := b.requester(label)
	if err != nil {
		return zero, err
	}

	value, err := s.tolerant.Request(ctx, b.message(s, label, payload, options), transport.Decoder[T](b.converters))
	if err != nil {
		return zero, err
	}
	result, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected reply type %T", value)
	}
	return result, nil
}
