package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/messaging"
	"github.com/SDVentures/Contour-sub001/metrics"
)

// Producer publishes messages through a single channel. Publishes on the
// channel never overlap; a producer that is not started, or is starting,
// stopping or recovering, fails fast with ErrProducerNotReady.
type Producer struct {
	id    string
	pool  *rabbitmq.ConnectionPool
	url   string
	route messaging.Route

	confirm            bool
	reuseConnection    bool
	persist            bool
	terminateOnFailure bool
	replyListener      *Listener

	converters     messaging.ConverterResolver
	contentType    string
	labels         messaging.LabelHandler
	endpoint       string
	defaultTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	lifeMu     sync.Mutex
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	stateMu    sync.RWMutex
	started    bool
	generation uint64
	conn       *rabbitmq.Connection
	channel    *rabbitmq.Channel
	tracker    *rabbitmq.ConfirmationTracker
	observer   uint64

	publishMu sync.Mutex

	observersMu sync.Mutex
	onStopped   []func(StopReason)
}

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithRoute sets where Publish sends messages
func WithRoute(route messaging.Route) ProducerOption {
	return func(p *Producer) {
		p.route = route
	}
}

// WithConfirmation makes every publish wait for the broker confirmation
func WithConfirmation(confirm bool) ProducerOption {
	return func(p *Producer) {
		p.confirm = confirm
	}
}

// WithProducerReuseConnection selects a shared pooled connection (default)
// or an exclusive one
func WithProducerReuseConnection(reuse bool) ProducerOption {
	return func(p *Producer) {
		p.reuseConnection = reuse
	}
}

// WithReplyListener sets the listener that receives replies to requests
func WithReplyListener(listener *Listener) ProducerOption {
	return func(p *Producer) {
		p.replyListener = listener
	}
}

func WithProducerConverters(converters messaging.ConverterResolver) ProducerOption {
	return func(p *Producer) {
		p.converters = converters
	}
}

// WithContentType selects the payload converter; the resolver default is
// used when unset
func WithContentType(contentType string) ProducerOption {
	return func(p *Producer) {
		p.contentType = contentType
	}
}

func WithProducerLabelHandler(labels messaging.LabelHandler) ProducerOption {
	return func(p *Producer) {
		p.labels = labels
	}
}

// WithEndpoint appends the endpoint name to the breadcrumbs of every message
func WithEndpoint(endpoint string) ProducerOption {
	return func(p *Producer) {
		p.endpoint = endpoint
	}
}

// WithDefaultTimeout sets the reply timeout of requests without a timeout header
func WithDefaultTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.defaultTimeout = timeout
	}
}

// WithPersistence publishes messages as persistent
func WithPersistence(persist bool) ProducerOption {
	return func(p *Producer) {
		p.persist = persist
	}
}

// WithProducerTerminateOnFailure stops the producer for good on a channel
// failure instead of recovering
func WithProducerTerminateOnFailure(terminate bool) ProducerOption {
	return func(p *Producer) {
		p.terminateOnFailure = terminate
	}
}

func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

func WithProducerMetrics(m *metrics.Metrics) ProducerOption {
	return func(p *Producer) {
		p.metrics = m
	}
}

// NewProducer creates a producer for the broker at url. It publishes
// nothing until Start.
func NewProducer(pool *rabbitmq.ConnectionPool, url string, options ...ProducerOption) (*Producer, error) {
	p := &Producer{
		id:              uuid.New().String(),
		pool:            pool,
		url:             url,
		reuseConnection: true,
		converters:      messaging.NewConverterRegistry(),
		labels:          messaging.HeaderLabelHandler{},
		defaultTimeout:  30 * time.Second,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	switch {
	case pool == nil:
		return nil, fmt.Errorf("%w: producer needs a connection pool", rabbitmq.ErrInvalidConfiguration)
	case url == "":
		return nil, fmt.Errorf("%w: producer needs a broker url", rabbitmq.ErrInvalidConfiguration)
	}
	if p.contentType != "" {
		if _, err := p.converters.Resolve(p.contentType); err != nil {
			return nil, fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, err)
		}
	}

	p.logger = p.logger.With("producerId", p.id, "url", rabbitmq.SanitizeURL(url))
	return p, nil
}

// ID returns the producer identity
func (p *Producer) ID() string { return p.id }

// URL returns the broker url
func (p *Producer) URL() string { return p.url }

// ReplyListener returns the listener receiving replies, nil when requests
// are not supported
func (p *Producer) ReplyListener() *Listener { return p.replyListener }

// OnStopped registers an observer for producer stops. Observers run on
// their own goroutines.
func (p *Producer) OnStopped(observer func(StopReason)) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.onStopped = append(p.onStopped, observer)
}

func (p *Producer) notifyStopped(reason StopReason) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	for _, observer := range p.onStopped {
		go observer(reason)
	}
}

// IsReady reports whether a publish would be attempted right now
func (p *Producer) IsReady() bool {
	if !p.stateMu.TryRLock() {
		return false
	}
	defer p.stateMu.RUnlock()
	return p.started && !p.channel.IsClosed()
}

// Start opens the publishing channel, enables confirmations when required
// and starts the reply listener. Starting a started producer does nothing.
func (p *Producer) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	if p.lifeCtx == nil {
		p.lifeCtx, p.lifeCancel = context.WithCancel(context.Background())
	}
	life := p.lifeCtx
	p.lifeMu.Unlock()

	if err := p.start(ctx, life); err != nil {
		return err
	}

	if p.replyListener != nil {
		if err := p.replyListener.StartConsuming(ctx); err != nil {
			p.Stop()
			return err
		}
	}
	return nil
}

func (p *Producer) start(ctx, life context.Context) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.started {
		return nil
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	if err := p.startLocked(startCtx); err != nil {
		p.stopLocked(err)
		return err
	}
	p.logger.Info("producer started", "route", p.route.String(), "confirm", p.confirm)
	return nil
}

func (p *Producer) startLocked(ctx context.Context) error {
	conn, err := p.pool.Get(ctx, p.url, p.reuseConnection)
	if err != nil {
		return err
	}
	p.conn = conn

	channel, err := conn.OpenChannel(ctx)
	if err != nil {
		return err
	}
	p.channel = channel
	p.generation++
	generation := p.generation
	p.observer = channel.OnShutdown(func(event rabbitmq.ShutdownEvent) {
		p.onChannelShutdown(generation, event)
	})

	if p.confirm {
		tracker := rabbitmq.NewConfirmationTracker(p.metrics)
		if err := channel.EnableConfirmation(tracker); err != nil {
			return err
		}
		p.tracker = tracker
	}

	p.started = true
	return nil
}

// stopLocked fails pending confirmations with reason and releases the channel
func (p *Producer) stopLocked(reason error) {
	if p.tracker != nil {
		p.tracker.Dispose(reason)
		p.tracker = nil
	}
	if p.channel != nil {
		p.channel.RemoveShutdownObserver(p.observer)
		p.channel.Dispose()
		p.channel = nil
	}
	if p.conn != nil && !p.reuseConnection {
		p.pool.Release(p.conn)
	}
	p.conn = nil
	p.started = false
}

// Stop releases the channel and fails unconfirmed publishes with
// ErrProducerStopped. The reply listener is left running; it may be shared.
func (p *Producer) Stop() {
	p.lifeMu.Lock()
	if p.lifeCancel != nil {
		p.lifeCancel()
	}
	p.lifeCtx, p.lifeCancel = nil, nil
	p.lifeMu.Unlock()

	p.stateMu.Lock()
	if !p.started {
		p.stateMu.Unlock()
		return
	}
	p.stopLocked(ErrProducerStopped)
	p.stateMu.Unlock()

	p.logger.Info("producer stopped")
	p.notifyStopped(StopRegular)
}

func (p *Producer) onChannelShutdown(generation uint64, event rabbitmq.ShutdownEvent) {
	if event.Initiator == rabbitmq.InitiatorApplication {
		return
	}

	p.lifeMu.Lock()
	life := p.lifeCtx
	p.lifeMu.Unlock()
	if life == nil || life.Err() != nil {
		return
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if generation != p.generation || !p.started {
		return
	}

	p.logger.Warn("producer channel failed",
		"channelId", event.ChannelID,
		"initiator", event.Initiator.String(),
		"code", event.Code,
		"reason", event.Reason)

	p.stopLocked(rabbitmq.ErrChannelClosed)

	if p.terminateOnFailure {
		p.logger.Error("producer terminated after channel failure")
		p.notifyStopped(StopTerminate)
		return
	}

	p.metrics.IncRecoveries("producer")
	if err := p.startLocked(life); err != nil {
		p.stopLocked(ErrProducerStopped)
		if life.Err() != nil {
			return
		}
		p.logger.Error("producer failed to recover", "error", err)
		p.notifyStopped(StopTerminate)
		return
	}
	p.logger.Info("producer recovered")
}

// Publish sends msg to the configured route
func (p *Producer) Publish(ctx context.Context, msg messaging.Message) *rabbitmq.Confirmation {
	return p.PublishTo(ctx, p.route, msg)
}

// PublishTo sends msg to route. The returned confirmation completes when
// the broker confirmed the message, or right away without confirmations.
//
// It fails fast with ErrProducerNotReady while the producer is starting,
// stopping or recovering. Concurrent calls on a ready producer do not fail:
// they wait for each other and reach the channel one at a time.
func (p *Producer) PublishTo(ctx context.Context, route messaging.Route, msg messaging.Message) *rabbitmq.Confirmation {
	if !p.stateMu.TryRLock() {
		p.metrics.IncPublishes(metrics.PublishNotReady)
		return rabbitmq.FailedConfirmation(ErrProducerNotReady)
	}
	defer p.stateMu.RUnlock()

	if !p.started {
		p.metrics.IncPublishes(metrics.PublishNotReady)
		return rabbitmq.FailedConfirmation(ErrProducerNotReady)
	}

	publishing, err := p.buildPublishing(ctx, msg)
	if err != nil {
		p.metrics.IncPublishes(metrics.PublishFailed)
		return rabbitmq.FailedConfirmation(err)
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	confirmation := rabbitmq.Confirmed()
	var seq uint64
	if p.tracker != nil {
		seq = p.channel.NextPublishSeqNo()
		confirmation = p.tracker.Track(seq)
	}

	if err := p.channel.Publish(ctx, route, publishing); err != nil {
		p.metrics.IncPublishes(metrics.PublishFailed)
		p.logger.Warn("publish failed", "route", route.String(), "label", msg.Label, "error", err)
		if p.tracker != nil {
			p.tracker.Fail(seq, err)
			return confirmation
		}
		return rabbitmq.FailedConfirmation(err)
	}

	p.metrics.IncPublishes(metrics.PublishSent)
	return confirmation
}

// Request publishes msg as a request and returns the expectation of its
// reply. The expectation is registered on the reply listener before the
// message leaves, so an early reply is never missed. A failed publish
// fails the expectation with ErrRequestRejected.
func (p *Producer) Request(ctx context.Context, msg messaging.Message, build ResponseBuilder) *Expectation {
	if p.replyListener == nil {
		return FailedExpectation("", ErrNoReplyEndpoint)
	}

	headers := msg.Headers.Clone()
	id, ok := headers.String(messaging.HeaderCorrelationID)
	if !ok || id == "" {
		id = uuid.New().String()
	}
	headers[messaging.HeaderCorrelationID] = id
	headers[messaging.HeaderReplyRoute] = p.replyListener.Route().String()

	timeout, ok := headers.Duration(messaging.HeaderTimeout)
	if !ok {
		timeout = p.defaultTimeout
	}
	if timeout > 0 {
		headers[messaging.HeaderTimeout] = timeout
	}
	msg.Headers = headers

	expectation := p.replyListener.Expect(id, build, timeout)
	confirmation := p.Publish(ctx, msg)

	reject := func() {
		if err := confirmation.Err(); err != nil {
			p.replyListener.FailExpectation(id, fmt.Errorf("%w: %w", ErrRequestRejected, err))
		}
	}
	select {
	case <-confirmation.Done():
		reject()
	default:
		go func() {
			select {
			case <-confirmation.Done():
				reject()
			case <-expectation.Done():
			}
		}()
	}

	return expectation
}

// Reply publishes msg to route and waits for the confirmation
func (p *Producer) Reply(ctx context.Context, route messaging.Route, msg messaging.Message) error {
	return p.PublishTo(ctx, route, msg).Wait(ctx)
}

func (p *Producer) buildPublishing(ctx context.Context, msg messaging.Message) (amqp.Publishing, error) {
	headers := msg.Headers.Clone()
	p.labels.Inject(headers, msg.Label)

	if incoming, ok := messaging.IncomingHeaders(ctx); ok {
		if _, set := headers[messaging.HeaderBreadcrumbs]; !set {
			if crumbs := incoming.Breadcrumbs(); len(crumbs) > 0 {
				headers[messaging.HeaderBreadcrumbs] = crumbs
			}
		}
		if _, set := headers[messaging.HeaderOriginalMessageID]; !set {
			if id, ok := incoming.String(messaging.HeaderOriginalMessageID); ok {
				headers[messaging.HeaderOriginalMessageID] = id
			} else if id, ok := incoming.String(messaging.HeaderMessageID); ok {
				headers[messaging.HeaderOriginalMessageID] = id
			}
		}
	}
	if p.endpoint != "" {
		headers[messaging.HeaderBreadcrumbs] = headers.WithBreadcrumb(p.endpoint)
	}

	messageID, ok := headers.String(messaging.HeaderMessageID)
	if !ok || messageID == "" {
		messageID = uuid.New().String()
		headers[messaging.HeaderMessageID] = messageID
	}

	converter := p.converters.Default()
	if p.contentType != "" {
		resolved, err := p.converters.Resolve(p.contentType)
		if err != nil {
			return amqp.Publishing{}, err
		}
		converter = resolved
	}
	body, err := converter.FromObject(msg.Payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s payload: %w", msg.Label, err)
	}

	publishing := amqp.Publishing{
		ContentType:  converter.ContentType(),
		Timestamp:    time.Now(),
		MessageId:    messageID,
		Type:         msg.Label,
		DeliveryMode: amqp.Transient,
		Body:         body,
	}
	if id, ok := headers.String(messaging.HeaderCorrelationID); ok {
		publishing.CorrelationId = id
	}
	if route, ok := headers.String(messaging.HeaderReplyRoute); ok {
		publishing.ReplyTo = route
	}
	if persist, ok := headers.Bool(messaging.HeaderPersist); p.persist || (ok && persist) {
		publishing.DeliveryMode = amqp.Persistent
	}
	if ttl, ok := headers.Duration(messaging.HeaderTTL); ok && ttl > 0 {
		publishing.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	publishing.Headers = toTable(headers)
	return publishing, nil
}

// toTable converts headers into values the AMQP table encoder accepts
func toTable(headers map[string]any) amqp.Table {
	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = toFieldValue(value)
	}
	return table
}

func toFieldValue(value any) any {
	switch v := value.(type) {
	case time.Duration:
		return v.Milliseconds()
	case int:
		return int64(v)
	case uint:
		return int64(v)
	case uint64:
		return int64(v)
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items
	case messaging.Headers:
		return toTable(v)
	case map[string]any:
		return toTable(v)
	case time.Time:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return v
	}
}
