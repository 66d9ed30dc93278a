package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SDVentures/Contour-sub001/internal/rabbitmq"
	"github.com/SDVentures/Contour-sub001/internal/rabbitmq/rabbitmqtest"
	"github.com/SDVentures/Contour-sub001/messaging"
	transport "github.com/SDVentures/Contour-sub001/transports/rabbitmq"
)

func TestProducerPublish(t *testing.T) {
	ctx := context.Background()
	orders := messaging.Route{RoutingKey: "orders"}

	t.Run("publish sets the message properties", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithEndpoint("billing"))

		msg := messaging.NewMessage("order.created", map[string]string{"id": "o-1"}).
			WithHeader(messaging.HeaderTTL, 5*time.Second).
			WithHeader(messaging.HeaderPersist, true)
		require.NoError(t, producer.Publish(ctx, msg).Wait(ctx))

		published := broker.Published()
		require.Len(t, published, 1)
		p := published[0].Msg
		assert.Equal(t, "orders", published[0].RoutingKey)
		assert.Equal(t, messaging.ContentTypeJSON, p.ContentType)
		assert.Equal(t, "order.created", p.Type)
		assert.Equal(t, "5000", p.Expiration)
		assert.Equal(t, amqp.Persistent, p.DeliveryMode)
		assert.NotEmpty(t, p.MessageId)
		assert.False(t, p.Timestamp.IsZero())
		assert.JSONEq(t, `{"id":"o-1"}`, string(p.Body))
		assert.Equal(t, "order.created", p.Headers[messaging.HeaderMessageLabel])
		assert.Equal(t, []any{"billing"}, p.Headers[messaging.HeaderBreadcrumbs])
		assert.Equal(t, int64(5000), p.Headers[messaging.HeaderTTL])
	})

	t.Run("time header values are published as timestamps", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders))
		issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		msg := messaging.NewMessage("order.created", "o-1").WithHeader("issued-at", issued)
		require.NoError(t, producer.Publish(ctx, msg).Wait(ctx))

		headers := broker.Published()[0].Msg.Headers
		assert.Equal(t, issued, headers["issued-at"])
		assert.NoError(t, headers.Validate())
	})

	t.Run("incoming headers are carried into the next message", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithEndpoint("shipping"))
		incoming := messaging.Headers{
			messaging.HeaderMessageID:   "m-1",
			messaging.HeaderBreadcrumbs: []any{"billing"},
		}

		require.NoError(t, producer.Publish(messaging.WithIncomingHeaders(ctx, incoming), messaging.NewMessage("order.shipped", "o-1")).Wait(ctx))

		headers := broker.Published()[0].Msg.Headers
		assert.Equal(t, "m-1", headers[messaging.HeaderOriginalMessageID])
		assert.Equal(t, []any{"billing", "shipping"}, headers[messaging.HeaderBreadcrumbs])
	})

	t.Run("confirmed publish completes on broker ack", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareQueue("orders")
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithConfirmation(true))

		for i := 0; i < 3; i++ {
			require.NoError(t, producer.Publish(ctx, messaging.NewMessage("order.created", i)).Wait(ctx))
		}
		assert.Equal(t, 3, broker.QueueDepth("orders"))
	})

	t.Run("broker nack fails the confirmation", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithConfirmation(true))
		broker.NackNextPublishes(1)

		err := producer.Publish(ctx, messaging.NewMessage("order.created", "o-1")).Wait(ctx)

		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
		assert.NoError(t, producer.Publish(ctx, messaging.NewMessage("order.created", "o-2")).Wait(ctx))
	})

	t.Run("producer that is not started is not ready", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer, err := transport.NewProducer(pool, testURL, transport.WithRoute(orders))
		require.NoError(t, err)

		assert.False(t, producer.IsReady())
		err = producer.Publish(ctx, messaging.NewMessage("order.created", "o-1")).Wait(ctx)
		assert.ErrorIs(t, err, transport.ErrProducerNotReady)
		assert.Empty(t, broker.Published())
	})

	t.Run("stopped producer is not ready", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders))
		stopped := make(chan transport.StopReason, 1)
		producer.OnStopped(func(r transport.StopReason) { stopped <- r })

		producer.Stop()

		assert.Equal(t, transport.StopRegular, waitReason(t, stopped))
		err := producer.Publish(ctx, messaging.NewMessage("order.created", "o-1")).Wait(ctx)
		assert.ErrorIs(t, err, transport.ErrProducerNotReady)
	})

	t.Run("unknown content type is a configuration error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)

		_, err := transport.NewProducer(pool, testURL, transport.WithContentType("application/xml"))

		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("concurrent publishes never fail for readiness", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareQueue("orders")
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithConfirmation(true))

		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			go func(i int) {
				errs <- producer.Publish(ctx, messaging.NewMessage("order.created", i)).Wait(ctx)
			}(i)
		}
		for i := 0; i < 20; i++ {
			assert.NoError(t, <-errs)
		}
		assert.Equal(t, 20, broker.QueueDepth("orders"))
	})
}

func TestProducerRecovery(t *testing.T) {
	ctx := context.Background()
	orders := messaging.Route{RoutingKey: "orders"}

	t.Run("publishes succeed again after a broker channel shutdown", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareQueue("orders")
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithConfirmation(true))

		require.NoError(t, producer.Publish(ctx, messaging.NewMessage("order.created", 1)).Wait(ctx))

		broker.ShutdownChannels(541, "INTERNAL_ERROR")
		require.Eventually(t, producer.IsReady, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, producer.Publish(ctx, messaging.NewMessage("order.created", 2)).Wait(ctx))
		require.NoError(t, producer.Publish(ctx, messaging.NewMessage("order.created", 3)).Wait(ctx))
		assert.Equal(t, 3, broker.QueueDepth("orders"))
		assert.Equal(t, 1, broker.OpenChannels())
	})

	t.Run("connection loss is recovered on a new connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareQueue("orders")
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders))

		broker.ShutdownConnections(320, "CONNECTION_FORCED")
		require.Eventually(t, producer.IsReady, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, producer.Publish(ctx, messaging.NewMessage("order.created", 1)).Wait(ctx))
		assert.Equal(t, 2, broker.Dials())
	})

	t.Run("terminate on failure reports Terminate", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool, transport.WithRoute(orders), transport.WithProducerTerminateOnFailure(true))
		stopped := make(chan transport.StopReason, 1)
		producer.OnStopped(func(r transport.StopReason) { stopped <- r })

		broker.ShutdownChannels(541, "INTERNAL_ERROR")

		assert.Equal(t, transport.StopTerminate, waitReason(t, stopped))
		err := producer.Publish(ctx, messaging.NewMessage("order.created", 1)).Wait(ctx)
		assert.ErrorIs(t, err, transport.ErrProducerNotReady)
	})
}

func TestProducerRequest(t *testing.T) {
	ctx := context.Background()
	converters := messaging.NewConverterRegistry()

	requester := func(t *testing.T, broker *rabbitmqtest.Broker, options ...transport.ProducerOption) (*transport.Producer, *transport.Listener) {
		pool := newTestPool(t, broker)
		replies, err := transport.NewListener(pool, testURL,
			transport.WithQueueDeclaration(rabbitmq.QueueDeclaration{Name: "client.replies", Exclusive: true, AutoDelete: true}),
			transport.WithTimerResolution(50*time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(replies.StopConsuming)

		defaults := []transport.ProducerOption{
			transport.WithRoute(messaging.Route{RoutingKey: "greetings"}),
			transport.WithReplyListener(replies),
		}
		return startProducer(t, pool, append(defaults, options...)...), replies
	}

	responder := func(t *testing.T, broker *rabbitmqtest.Broker) {
		broker.DeclareQueue("greetings")
		pool := newTestPool(t, broker)
		replier := startProducer(t, pool)
		server, err := transport.NewListener(pool, testURL, transport.WithQueue("greetings"), transport.WithReplier(replier))
		require.NoError(t, err)
		server.Subscribe("greet", messaging.Typed(func(ctx context.Context, c *messaging.ConsumingContext, name string) error {
			return c.Reply(ctx, "hello "+name)
		}))
		require.NoError(t, server.StartConsuming(ctx))
		t.Cleanup(server.StopConsuming)
	}

	t.Run("reply completes the request", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		responder(t, broker)
		producer, replies := requester(t, broker)

		e := producer.Request(ctx, messaging.NewMessage("greet", "bob"), transport.Decoder[string](converters))
		value, err := e.Wait(ctx)

		require.NoError(t, err)
		assert.Equal(t, "hello bob", value)
		assert.Equal(t, transport.ExpectationCompleted, e.State())
		assert.Equal(t, 0, replies.ExpectationCount())
		assert.Equal(t, 0, replies.PendingTimeouts())
	})

	t.Run("request carries correlation id, reply route and timeout", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		producer, replies := requester(t, broker)

		msg := messaging.NewMessage("greet", "bob").
			WithHeader(messaging.HeaderCorrelationID, "c-7").
			WithHeader(messaging.HeaderTimeout, time.Minute)
		e := producer.Request(ctx, msg, nil)

		assert.Equal(t, "c-7", e.CorrelationID())
		p := broker.Published()[0].Msg
		assert.Equal(t, "c-7", p.CorrelationId)
		assert.Equal(t, "/client.replies", p.ReplyTo)
		assert.Equal(t, int64(60000), p.Headers[messaging.HeaderTimeout])
		assert.Equal(t, 1, replies.ExpectationCount())
	})

	t.Run("request without responder times out", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		producer, replies := requester(t, broker)
		msg := messaging.NewMessage("greet", "bob").WithHeader(messaging.HeaderTimeout, 2*time.Second)

		started := time.Now()
		_, err := producer.Request(ctx, msg, nil).Wait(ctx)
		elapsed := time.Since(started)

		assert.ErrorIs(t, err, transport.ErrResponseTimeout)
		assert.GreaterOrEqual(t, elapsed, 2*time.Second)
		assert.Less(t, elapsed, 2*time.Second+500*time.Millisecond)
		assert.Equal(t, 0, replies.ExpectationCount())
		assert.Equal(t, 0, replies.PendingTimeouts())
	})

	t.Run("rejected publish rejects the request", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		producer, replies := requester(t, broker, transport.WithConfirmation(true))
		broker.NackNextPublishes(1)

		_, err := producer.Request(ctx, messaging.NewMessage("greet", "bob"), nil).Wait(ctx)

		assert.ErrorIs(t, err, transport.ErrRequestRejected)
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
		assert.Equal(t, 0, replies.ExpectationCount())
	})

	t.Run("request without reply listener is a configuration error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newTestPool(t, broker)
		producer := startProducer(t, pool)

		_, err := producer.Request(ctx, messaging.NewMessage("greet", "bob"), nil).Wait(ctx)

		assert.ErrorIs(t, err, transport.ErrNoReplyEndpoint)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}
