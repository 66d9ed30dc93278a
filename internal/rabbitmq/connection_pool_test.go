package rabbitmq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/internal/rabbitmq/rabbitmqtest"
)

func newTestPool(t *testing.T, broker *rabbitmqtest.Broker, size int) *rabbitmq.ConnectionPool {
	t.Helper()
	pool, err := rabbitmq.NewConnectionPool(
		rabbitmq.WithMaxSize(size),
		rabbitmq.WithConnectionOptions(
			rabbitmq.WithDialer(broker.Dial),
			rabbitmq.WithBackoff(fastBackoff()),
		),
	)
	require.NoError(t, err)
	return pool
}

func TestConnectionPool(t *testing.T) {
	ctx := context.Background()

	t.Run("shared connections are bounded per URL", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 2)
		defer pool.Dispose()

		distinct := map[string]bool{}
		for i := 0; i < 3; i++ {
			conn, err := pool.Get(ctx, testURL, true)
			require.NoError(t, err)
			distinct[conn.ID()] = true
		}

		assert.Len(t, distinct, 2)
		assert.Equal(t, 2, pool.Size())
	})

	t.Run("shared connections rotate once the pool is full", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 2)
		defer pool.Dispose()

		var ids []string
		for i := 0; i < 4; i++ {
			conn, err := pool.Get(ctx, testURL, true)
			require.NoError(t, err)
			ids = append(ids, conn.ID())
		}

		assert.Equal(t, ids[0], ids[2])
		assert.Equal(t, ids[1], ids[3])
	})

	t.Run("URLs have separate entries", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 1)
		defer pool.Dispose()

		a, err := pool.Get(ctx, "amqp://a:5672/", true)
		require.NoError(t, err)
		b, err := pool.Get(ctx, "amqp://b:5672/", true)
		require.NoError(t, err)

		assert.NotEqual(t, a.ID(), b.ID())
		assert.Equal(t, "amqp://b:5672/", b.URL())
	})

	t.Run("exclusive requests always create a connection", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 1)
		defer pool.Dispose()

		shared, err := pool.Get(ctx, testURL, true)
		require.NoError(t, err)
		first, err := pool.Get(ctx, testURL, false)
		require.NoError(t, err)
		second, err := pool.Get(ctx, testURL, false)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID(), second.ID())
		assert.NotEqual(t, shared.ID(), first.ID())
		assert.Equal(t, 3, pool.Size())
	})

	t.Run("Release disposes exclusive connections only", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 1)
		defer pool.Dispose()

		shared, err := pool.Get(ctx, testURL, true)
		require.NoError(t, err)
		exclusive, err := pool.Get(ctx, testURL, false)
		require.NoError(t, err)

		pool.Release(exclusive)
		pool.Release(shared)

		assert.Equal(t, rabbitmq.StateDisposed, exclusive.State())
		assert.Equal(t, rabbitmq.StateClosed, shared.State())
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("disposed entries are replaced", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 1)
		defer pool.Dispose()

		first, err := pool.Get(ctx, testURL, true)
		require.NoError(t, err)
		first.Dispose()

		second, err := pool.Get(ctx, testURL, true)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID(), second.ID())
	})

	t.Run("Drop disposes every connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker, 1)
		defer pool.Dispose()

		shared, err := pool.Get(ctx, testURL, true)
		require.NoError(t, err)
		exclusive, err := pool.Get(ctx, testURL, false)
		require.NoError(t, err)
		require.NoError(t, shared.Open(ctx))
		require.NoError(t, exclusive.Open(ctx))

		pool.Drop()

		assert.Equal(t, rabbitmq.StateDisposed, shared.State())
		assert.Equal(t, rabbitmq.StateDisposed, exclusive.State())
		assert.Equal(t, 0, pool.Size())
		assert.Equal(t, 0, broker.OpenConnections())

		_, err = pool.Get(ctx, testURL, true)
		assert.NoError(t, err)
	})

	t.Run("disposed pool is a configuration error", func(t *testing.T) {
		pool := newTestPool(t, rabbitmqtest.NewBroker(), 1)
		pool.Dispose()
		pool.Dispose()

		_, err := pool.Get(ctx, testURL, true)

		assert.ErrorIs(t, err, rabbitmq.ErrPoolDisposed)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("invalid size", func(t *testing.T) {
		_, err := rabbitmq.NewConnectionPool(rabbitmq.WithMaxSize(0))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}
