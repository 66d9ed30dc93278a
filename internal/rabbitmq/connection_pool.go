package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ConnectionPool caches connections per broker URL. Shared connections are
// bounded per URL; exclusive ones are created on every request and only
// tracked so the pool can dispose them.
type ConnectionPool struct {
	maxSize     int
	connOptions []ConnectionOption
	logger      *slog.Logger

	mu        sync.Mutex
	shared    map[string]*poolEntry
	exclusive []*Connection
	disposed  bool
}

type poolEntry struct {
	conns []*Connection
	next  int
}

// PoolOption configures the connection pool
type PoolOption func(*ConnectionPool)

// WithMaxSize sets the maximum number of shared connections per URL
func WithMaxSize(size int) PoolOption {
	return func(p *ConnectionPool) {
		p.maxSize = size
	}
}

// WithConnectionOptions applies options to every connection the pool creates
func WithConnectionOptions(options ...ConnectionOption) PoolOption {
	return func(p *ConnectionPool) {
		p.connOptions = append(p.connOptions, options...)
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// NewConnectionPool creates an empty pool
func NewConnectionPool(options ...PoolOption) (*ConnectionPool, error) {
	p := &ConnectionPool{
		maxSize: 1,
		logger:  slog.Default(),
		shared:  make(map[string]*poolEntry),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.maxSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}

	return p, nil
}

// Get returns a connection to url. With reuse it hands out a shared
// connection, creating one while fewer than the maximum exist and rotating
// over the existing ones afterwards. Without reuse it always creates a new
// connection. Connections are opened lazily by their first channel.
func (p *ConnectionPool) Get(ctx context.Context, url string, reuse bool) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, ErrPoolDisposed
	}

	if !reuse {
		conn := p.create(url)
		p.exclusive = append(p.exclusive, conn)
		return conn, nil
	}

	entry, ok := p.shared[url]
	if !ok {
		entry = &poolEntry{}
		p.shared[url] = entry
	}

	live := entry.conns[:0]
	for _, conn := range entry.conns {
		if conn.State() != StateDisposed {
			live = append(live, conn)
		}
	}
	entry.conns = live

	if len(entry.conns) < p.maxSize {
		conn := p.create(url)
		entry.conns = append(entry.conns, conn)
		return conn, nil
	}

	conn := entry.conns[entry.next%len(entry.conns)]
	entry.next++
	return conn, nil
}

func (p *ConnectionPool) create(url string) *Connection {
	conn := NewConnection(url, p.connOptions...)
	p.logger.Debug("pooled connection created",
		"connectionId", conn.ID(),
		"url", SanitizeURL(url))
	return conn
}

// Release disposes an exclusive connection and stops tracking it. Shared
// connections stay pooled and are left open.
func (p *ConnectionPool) Release(conn *Connection) {
	p.mu.Lock()
	found := false
	for i, c := range p.exclusive {
		if c == conn {
			p.exclusive = append(p.exclusive[:i], p.exclusive[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()

	if found {
		conn.Dispose()
	}
}

// Size returns the number of connections the pool tracks
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(p.exclusive)
	for _, entry := range p.shared {
		size += len(entry.conns)
	}
	return size
}

// Drop disposes every tracked connection and empties the pool
func (p *ConnectionPool) Drop() {
	p.mu.Lock()
	conns := p.takeAll()
	p.mu.Unlock()

	disposeAll(conns)
}

// Dispose drops all connections and makes the pool unusable. It is safe
// to call more than once.
func (p *ConnectionPool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	conns := p.takeAll()
	p.mu.Unlock()

	disposeAll(conns)
}

func (p *ConnectionPool) takeAll() []*Connection {
	conns := p.exclusive
	for _, entry := range p.shared {
		conns = append(conns, entry.conns...)
	}
	p.exclusive = nil
	p.shared = make(map[string]*poolEntry)
	return conns
}

func disposeAll(conns []*Connection) {
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Dispose()
		}(conn)
	}
	wg.Wait()
}
