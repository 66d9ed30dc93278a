package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDelivery struct {
	mock.Mock
	headers     Headers
	body        []byte
	contentType string
	replyRoute  Route
	settled     bool
}

func newMockDelivery(label string, body []byte) *mockDelivery {
	return &mockDelivery{
		headers:     Headers{HeaderMessageLabel: label, HeaderCorrelationID: "corr-1"},
		body:        body,
		contentType: ContentTypeJSON,
	}
}

func (d *mockDelivery) Label() string {
	label, _ := d.headers.String(HeaderMessageLabel)
	return label
}
func (d *mockDelivery) Headers() Headers { return d.headers }
func (d *mockDelivery) CorrelationID() string {
	id, _ := d.headers.String(HeaderCorrelationID)
	return id
}
func (d *mockDelivery) ReplyRoute() Route    { return d.replyRoute }
func (d *mockDelivery) ContentType() string  { return d.contentType }
func (d *mockDelivery) Body() []byte         { return d.body }
func (d *mockDelivery) RequiresAccept() bool { return true }
func (d *mockDelivery) Settled() bool        { return d.settled }

func (d *mockDelivery) Accept() error {
	args := d.Called()
	d.settled = true
	return args.Error(0)
}

func (d *mockDelivery) Reject(requeue bool) error {
	args := d.Called(requeue)
	d.settled = true
	return args.Error(0)
}

type mockReplier struct {
	mock.Mock
}

func (m *mockReplier) Reply(ctx context.Context, route Route, msg Message) error {
	args := m.Called(ctx, route, msg)
	return args.Error(0)
}

func TestConsumingContext(t *testing.T) {
	ctx := context.Background()

	t.Run("Decode uses the delivery content type", func(t *testing.T) {
		d := newMockDelivery("order.created", []byte(`{"id":3,"name":"three"}`))
		c := NewConsumingContext(d, NewConverterRegistry(), nil)

		var payload converterTestPayload
		require.NoError(t, c.Decode(&payload))
		assert.Equal(t, 3, payload.ID)
		assert.Equal(t, "order.created", c.Message.Label)
		assert.Equal(t, &payload, c.Message.Payload)
	})

	t.Run("Decode without converter for content type", func(t *testing.T) {
		d := newMockDelivery("x", []byte("<a/>"))
		d.contentType = "application/xml"
		c := NewConsumingContext(d, NewConverterRegistry(), nil)

		var payload converterTestPayload
		assert.ErrorIs(t, c.Decode(&payload), ErrNoConverter)
	})

	t.Run("Reply is correlated with the request", func(t *testing.T) {
		d := newMockDelivery("order.get", nil)
		d.replyRoute = Route{RoutingKey: "client.replies.1"}
		replier := &mockReplier{}
		replier.On("Reply", ctx, d.replyRoute, mock.MatchedBy(func(m Message) bool {
			return m.Headers[HeaderCorrelationID] == "corr-1" && m.Payload == "done"
		})).Return(nil)

		c := NewConsumingContext(d, NewConverterRegistry(), replier)

		require.NoError(t, c.Reply(ctx, "done"))
		replier.AssertExpectations(t)
	})

	t.Run("Reply without reply route", func(t *testing.T) {
		c := NewConsumingContext(newMockDelivery("x", nil), NewConverterRegistry(), &mockReplier{})
		assert.ErrorIs(t, c.Reply(ctx, "done"), ErrNoReplyRoute)
	})

	t.Run("Reply without replier", func(t *testing.T) {
		d := newMockDelivery("x", nil)
		d.replyRoute = Route{RoutingKey: "q"}
		c := NewConsumingContext(d, NewConverterRegistry(), nil)
		assert.ErrorIs(t, c.Reply(ctx, "done"), ErrNoReplier)
	})

	t.Run("Accept and Reject are forwarded", func(t *testing.T) {
		d := newMockDelivery("x", nil)
		d.On("Accept").Return(nil).Once()
		d.On("Reject", true).Return(nil).Once()
		c := NewConsumingContext(d, NewConverterRegistry(), nil)

		assert.NoError(t, c.Accept())
		assert.NoError(t, c.Reject(true))
		d.AssertExpectations(t)
	})
}

func TestTyped(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes payload before calling the handler", func(t *testing.T) {
		var got converterTestPayload
		consumer := Typed(func(ctx context.Context, c *ConsumingContext, p converterTestPayload) error {
			got = p
			return nil
		})

		d := newMockDelivery("x", []byte(`{"id":9,"name":"nine"}`))
		err := consumer.Handle(ctx, NewConsumingContext(d, NewConverterRegistry(), nil))

		require.NoError(t, err)
		assert.Equal(t, converterTestPayload{ID: 9, Name: "nine"}, got)
	})

	t.Run("decode failure does not reach the handler", func(t *testing.T) {
		called := false
		consumer := Typed(func(ctx context.Context, c *ConsumingContext, p converterTestPayload) error {
			called = true
			return nil
		})

		d := newMockDelivery("x", []byte(`not json`))
		err := consumer.Handle(ctx, NewConsumingContext(d, NewConverterRegistry(), nil))

		assert.Error(t, err)
		assert.False(t, called)
	})
}

func TestStrategies(t *testing.T) {
	ctx := context.Background()

	t.Run("RejectFailedDelivery rejects with the configured requeue", func(t *testing.T) {
		d := newMockDelivery("x", nil)
		d.On("Reject", false).Return(nil).Once()

		RejectFailedDelivery{}.HandleFailed(ctx, FailedDelivery{Delivery: d, Err: errors.New("boom")})
		d.AssertExpectations(t)
	})

	t.Run("RejectUnhandled requeues when asked", func(t *testing.T) {
		d := newMockDelivery("x", nil)
		d.On("Reject", true).Return(nil).Once()

		RejectUnhandled{Requeue: true}.HandleUnhandled(ctx, d)
		d.AssertExpectations(t)
	})

	t.Run("AcceptUnhandled accepts", func(t *testing.T) {
		d := newMockDelivery("x", nil)
		d.On("Accept").Return(errors.New("channel closed")).Once()

		AcceptUnhandled{}.HandleUnhandled(ctx, d)
		d.AssertExpectations(t)
	})

	t.Run("func adapters", func(t *testing.T) {
		var failed, unhandled bool
		FailedDeliveryStrategyFunc(func(context.Context, FailedDelivery) { failed = true }).
			HandleFailed(ctx, FailedDelivery{})
		UnhandledDeliveryStrategyFunc(func(context.Context, Delivery) { unhandled = true }).
			HandleUnhandled(ctx, nil)

		assert.True(t, failed)
		assert.True(t, unhandled)
	})
}

func TestIncomingHeaders(t *testing.T) {
	_, ok := IncomingHeaders(context.Background())
	assert.False(t, ok)

	ctx := WithIncomingHeaders(context.Background(), Headers{HeaderMessageID: "m1"})
	h, ok := IncomingHeaders(ctx)
	assert.True(t, ok)
	assert.Equal(t, "m1", h[HeaderMessageID])
}
