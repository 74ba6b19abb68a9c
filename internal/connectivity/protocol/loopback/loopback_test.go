package loopback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

func TestFacade_EchoRoutesToSource(t *testing.T) {
	ctx := context.Background()
	f := New(Options{Echo: true})

	_, err := f.Publish(ctx, connectivity.ExternalMessage{Address: "x"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)

	require.NoError(t, f.Connect(ctx))
	res, err := f.Subscribe(ctx, []connectivity.Source{
		{Addresses: []string{"a/+"}, ConsumerCount: 1},
		{Addresses: []string{"b/#", "c"}, ConsumerCount: 2},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"a/+", "b/#", "c"}, res.Subscribed)

	_, err = f.Publish(ctx, connectivity.ExternalMessage{Address: "b/1/2", Payload: []byte("hi")})
	require.NoError(t, err)

	msg := <-f.Messages()
	assert.Equal(t, 1, msg.SourceIndex)
	assert.Equal(t, "hi", string(msg.Message.Payload))
	require.NoError(t, msg.Ack())

	acked, nacked := f.Settled()
	assert.Equal(t, int64(1), acked)
	assert.Equal(t, int64(0), nacked)

	_, err = f.Publish(ctx, connectivity.ExternalMessage{Address: "nobody/listens"})
	require.NoError(t, err)
	assert.Len(t, f.Published(), 2)
}

func TestFacade_Inject(t *testing.T) {
	ctx := context.Background()
	f := New(Options{})
	require.NoError(t, f.Connect(ctx))
	_, err := f.Subscribe(ctx, []connectivity.Source{{Addresses: []string{"in"}, ConsumerCount: 1}})
	require.NoError(t, err)

	_, err = f.Inject(connectivity.ExternalMessage{Address: "other"})
	assert.ErrorIs(t, err, ErrNoSubscriber)

	in, err := f.Inject(connectivity.ExternalMessage{Address: "in"})
	require.NoError(t, err)
	assert.False(t, in.Message.Timestamp.IsZero())

	require.NoError(t, f.Disconnect(ctx))
	_, err = f.Inject(connectivity.ExternalMessage{Address: "in"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.Equal(t, 1, f.ConnectCalls())
	assert.Equal(t, 1, f.DisconnectCalls())
}

func TestFacade_Hooks(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("refused")
	f := New(Options{Hooks: Hooks{
		Connect: func(context.Context) error { return boom },
	}})

	assert.ErrorIs(t, f.Connect(ctx), boom)
	assert.False(t, f.IsConnected())
}

func TestFacade_InvalidFilter(t *testing.T) {
	ctx := context.Background()
	f := New(Options{})
	require.NoError(t, f.Connect(ctx))

	res, err := f.Subscribe(ctx, []connectivity.Source{{Addresses: []string{"a/#/b"}, ConsumerCount: 1}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), protocol.ErrSubscribeFailed)
}

func TestFacade_ConnectionLoss(t *testing.T) {
	f := New(Options{})
	require.NoError(t, f.Connect(context.Background()))

	var got error
	f.OnConnectionLost(func(err error) { got = err })
	f.SimulateConnectionLoss(errors.New("reset"))

	assert.EqualError(t, got, "reset")
	assert.False(t, f.IsConnected())
}
