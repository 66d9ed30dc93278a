package rabbitmq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/internal/rabbitmq/rabbitmqtest"
	transport "github.com/SDVentures/Contour-sub001/transports/rabbitmq"
)

func TestListenerRegistry(t *testing.T) {
	t.Run("same queue and options share one listener", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		registry := transport.NewListenerRegistry()

		first, err := registry.ResolveOrAdd(pool, testURL, transport.WithQueue("orders"), transport.WithQoS(rabbitmq.QoS{PrefetchCount: 5}))
		require.NoError(t, err)
		second, err := registry.ResolveOrAdd(pool, testURL, transport.WithQueue("orders"), transport.WithQoS(rabbitmq.QoS{PrefetchCount: 5}))
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Len(t, registry.Listeners(), 1)
	})

	t.Run("different queues get their own listeners", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		registry := transport.NewListenerRegistry()

		orders, err := registry.ResolveOrAdd(pool, testURL, transport.WithQueue("orders"))
		require.NoError(t, err)
		invoices, err := registry.ResolveOrAdd(pool, testURL, transport.WithQueue("invoices"))
		require.NoError(t, err)

		assert.NotSame(t, orders, invoices)
		assert.Equal(t, []*transport.Listener{orders, invoices}, registry.Listeners())
	})

	t.Run("incompatible QoS on a shared queue fails before consuming", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareQueue("orders")
		pool := newTestPool(t, broker)
		registry := transport.NewListenerRegistry()

		first, err := registry.ResolveOrAdd(pool, testURL, transport.WithQueue("orders"), transport.WithQoS(rabbitmq.QoS{PrefetchCount: 5}))
		require.NoError(t, err)
		first.Subscribe("order.created", recordingConsumer("created", make(chan received, 1)))

		_, err = registry.ResolveOrAdd(pool, testURL, transport.WithQueue("orders"), transport.WithQoS(rabbitmq.QoS{PrefetchCount: 50}))

		assert.ErrorIs(t, err, transport.ErrIncompatibleListener)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.Equal(t, 0, broker.Consumers("orders"))
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("invalid options are reported as they are", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		registry := transport.NewListenerRegistry()

		_, err := registry.ResolveOrAdd(pool, testURL, transport.WithQueue("orders"), transport.WithParallelism(-1))

		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.NotErrorIs(t, err, transport.ErrIncompatibleListener)
		assert.Empty(t, registry.Listeners())
	})
}
