package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SDVentures/Contour-sub001/internal/reliability"
	"github.com/SDVentures/Contour-sub001/metrics"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int32

const (
	StateClosed ConnectionState = iota
	StateOpen
	StateDisposed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDisposed:
		return "disposed"
	default:
		return "closed"
	}
}

// ConnectionStateListener receives connection state change notifications.
// Every notification runs on its own goroutine.
type ConnectionStateListener interface {
	OnOpened()
	OnClosed(err error)
	OnDisposed()
}

// ConnectionStateFuncs adapts functions to ConnectionStateListener. Nil
// fields are skipped. Register it by pointer so it can be removed again.
type ConnectionStateFuncs struct {
	Opened   func()
	Closed   func(err error)
	Disposed func()
}

func (f *ConnectionStateFuncs) OnOpened() {
	if f.Opened != nil {
		f.Opened()
	}
}

func (f *ConnectionStateFuncs) OnClosed(err error) {
	if f.Closed != nil {
		f.Closed(err)
	}
}

func (f *ConnectionStateFuncs) OnDisposed() {
	if f.Disposed != nil {
		f.Disposed()
	}
}

// Connection owns one physical link to a broker node
type Connection struct {
	id             string
	url            string
	dialer         Dialer
	backoff        reliability.BackoffPolicy
	channelBackoff reliability.BackoffPolicy
	closeTimeout   time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	openSem        chan struct{}
	attempts       atomic.Int64
	mu             sync.RWMutex
	conn           BrokerConnection
	state          ConnectionState
	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(c *Connection) {
		c.dialer = dialer
	}
}

// WithBackoff sets the delay policy between failed open attempts
func WithBackoff(policy reliability.BackoffPolicy) ConnectionOption {
	return func(c *Connection) {
		c.backoff = policy
	}
}

// WithChannelBackoff sets the delay policy between failed channel opens
func WithChannelBackoff(policy reliability.BackoffPolicy) ConnectionOption {
	return func(c *Connection) {
		c.channelBackoff = policy
	}
}

// WithCloseTimeout bounds the graceful close before the connection is aborted
func WithCloseTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.closeTimeout = timeout
	}
}

// WithMetrics records connection attempts and lifecycle events
func WithMetrics(m *metrics.Metrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = m
	}
}

// NewConnection creates a closed connection to url. Nothing is dialed
// until Open or OpenChannel is called.
func NewConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		id:             uuid.New().String(),
		url:            url,
		dialer:         Dial,
		backoff:        reliability.DefaultConnectBackoff(),
		channelBackoff: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2),
		closeTimeout:   3 * time.Second,
		logger:         slog.Default(),
		openSem:        make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With("connectionId", c.id, "url", SanitizeURL(url))
	return c
}

// ID returns the connection identity
func (c *Connection) ID() string { return c.id }

// URL returns the broker address
func (c *Connection) URL() string { return c.url }

// Attempts returns the number of dial attempts made so far
func (c *Connection) Attempts() int { return int(c.attempts.Load()) }

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether a live broker connection is held
func (c *Connection) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpen && c.conn != nil && !c.conn.IsClosed()
}

// Open connects to the broker, retrying with backoff until it succeeds
// or ctx is done. It returns immediately when already open.
func (c *Connection) Open(ctx context.Context) error {
	select {
	case c.openSem <- struct{}{}:
	case <-ctx.Done():
		return cancelled(ctx.Err())
	}
	defer func() { <-c.openSem }()

	switch {
	case c.State() == StateDisposed:
		return ErrConnectionDisposed
	case c.IsOpen():
		return nil
	}

	err := reliability.RetryUntilCancelled(ctx, c.backoff, func(attempt int) error {
		if c.State() == StateDisposed {
			return reliability.Permanent(ErrConnectionDisposed)
		}

		c.attempts.Add(1)
		conn, err := c.dialer(ctx, c.url)
		if err != nil {
			c.metrics.IncConnectionAttempts("failure")
			return &ConnectionError{
				Op:        "open",
				URL:       SanitizeURL(c.url),
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
		}
		c.metrics.IncConnectionAttempts("success")

		return reliability.Permanent(c.attach(conn))
	}, func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("failed to open connection",
			"attempt", attempt,
			"retryIn", delay,
			"error", err)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnectionDisposed):
		return err
	default:
		return cancelled(err)
	}
}

// attach installs a freshly dialed connection and starts watching it
func (c *Connection) attach(conn BrokerConnection) error {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionDisposed
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	go c.watch(conn, notify)

	c.logger.Info("connection opened", "attempts", c.Attempts())
	c.metrics.IncConnectionEvents("opened")
	c.notifyOpened()
	return nil
}

// watch waits for the broker to shut conn down. A graceful close closes
// the notification channel without an error and is ignored.
func (c *Connection) watch(conn BrokerConnection, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if !ok || amqpErr == nil {
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.state == StateOpen {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.logger.Warn("connection shut down by broker",
		"code", amqpErr.Code,
		"reason", amqpErr.Reason)
	c.metrics.IncConnectionEvents("closed")
	c.notifyClosed(&ConnectionError{
		Op:        "shutdown",
		URL:       SanitizeURL(c.url),
		Err:       amqpErr,
		Timestamp: time.Now(),
	})
}

// OpenChannel opens the connection if needed and creates a channel on it.
// Channel creation failures are retried until ctx is done.
func (c *Connection) OpenChannel(ctx context.Context) (*Channel, error) {
	var channel *Channel

	err := reliability.RetryUntilCancelled(ctx, c.channelBackoff, func(attempt int) error {
		if err := c.Open(ctx); err != nil {
			return reliability.Permanent(err)
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return ErrConnectionClosed
		}

		ch, err := conn.Channel()
		if err != nil {
			return &ChannelError{
				Op:        "open",
				ChannelID: "-",
				Err:       err,
				Timestamp: time.Now(),
			}
		}

		channel = newChannel(c.id, ch, c.logger)
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("failed to open channel",
			"attempt", attempt,
			"retryIn", delay,
			"error", err)
	})

	switch {
	case err == nil:
		return channel, nil
	case errors.Is(err, ErrConnectionDisposed), errors.Is(err, ErrOperationCancelled):
		return nil, err
	default:
		return nil, cancelled(err)
	}
}

// Close closes the connection gracefully and aborts it when that does not
// finish within the close timeout. Closing a closed connection is not an error.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return ErrConnectionDisposed
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.shutdown(conn)
}

func (c *Connection) shutdown(conn BrokerConnection) error {
	done := make(chan error, 1)
	go func() {
		done <- conn.Close()
	}()

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil || errors.Is(err, amqp.ErrClosed) {
			c.logger.Info("connection closed")
			return nil
		}
		c.logger.Warn("graceful close failed, aborting", "error", err)
	case <-timer.C:
		c.logger.Warn("graceful close timed out, aborting", "timeout", c.closeTimeout)
	}

	if err := conn.Abort(); err != nil {
		return &ConnectionError{Op: "abort", URL: SanitizeURL(c.url), Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Abort terminates the connection immediately
func (c *Connection) Abort() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return ErrConnectionDisposed
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Abort(); err != nil {
		return &ConnectionError{Op: "abort", URL: SanitizeURL(c.url), Err: err, Timestamp: time.Now()}
	}
	c.logger.Info("connection aborted")
	return nil
}

// Dispose closes the connection, ignoring errors, and makes it unusable.
// It is safe to call more than once.
func (c *Connection) Dispose() {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisposed
	c.mu.Unlock()

	if conn != nil {
		if err := c.shutdown(conn); err != nil {
			c.logger.Debug("error while disposing connection", "error", err)
		}
	}

	c.logger.Info("connection disposed")
	c.metrics.IncConnectionEvents("disposed")
	c.notifyDisposed()
}

// AddStateListener adds a connection state listener
func (c *Connection) AddStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.stateListeners = append(c.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (c *Connection) RemoveStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.stateListeners {
		if l == listener {
			c.stateListeners = append(c.stateListeners[:i], c.stateListeners[i+1:]...)
			break
		}
	}
}

func (c *Connection) notifyOpened() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		go listener.OnOpened()
	}
}

func (c *Connection) notifyClosed(err error) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		go listener.OnClosed(err)
	}
}

func (c *Connection) notifyDisposed() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		go listener.OnDisposed()
	}
}
