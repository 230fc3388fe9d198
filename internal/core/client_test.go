package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/core/coretest"
	"github.com/dkeye/Panel/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequiresJoin(t *testing.T) {
	user, err := domain.NewUser("", "lonely", domain.RoleRecruiter)
	require.NoError(t, err)
	c := core.NewClientSession("sid", domain.NewMember(user, "sid"))

	_, err = c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
	assert.ErrorIs(t, err, core.ErrNotJoined)
	_, err = c.Produce(context.Background(), domain.KindAudio, nil)
	assert.ErrorIs(t, err, core.ErrNotJoined)
	_, err = c.Consume(context.Background(), core.RTPCapabilities{}, "p", domain.KindAudio)
	assert.ErrorIs(t, err, core.ErrNotJoined)
}

func TestSendTransportReplacesUpstream(t *testing.T) {
	room := newRoom(t, "up")
	c := join(t, room, "c")
	ctx := context.Background()

	first, err := c.CreateTransport(ctx, domain.DirectionSend, "", "")
	require.NoError(t, err)
	p, err := c.Produce(ctx, domain.KindAudio, nil)
	require.NoError(t, err)

	second, err := c.CreateTransport(ctx, domain.DirectionSend, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	router := room.Router().(*coretest.Router)
	require.Len(t, router.Transports, 2)
	assert.True(t, router.Transports[0].Closed())
	assert.False(t, router.Transports[1].Closed())
	assert.True(t, p.(*coretest.Producer).IsClosed())
	assert.Empty(t, c.AudioProducerID())
}

func TestReceiveTransportsAreNeverReused(t *testing.T) {
	room := newRoom(t, "down")
	c := join(t, room, "c")
	ctx := context.Background()

	_, err := c.CreateTransport(ctx, domain.DirectionReceive, "a1", "v1")
	require.NoError(t, err)
	_, err = c.CreateTransport(ctx, domain.DirectionReceive, "a2", "")
	require.NoError(t, err)
	assert.Equal(t, 2, c.DownstreamCount())
	assert.True(t, c.HasDownstream("a1"))
	assert.True(t, c.HasDownstream("a2"))

	_, err = c.CreateTransport(ctx, domain.DirectionReceive, "", "")
	assert.ErrorIs(t, err, core.ErrProducerNotFound)
}

func TestTransportFailureIsLocalToRequest(t *testing.T) {
	room := newRoom(t, "fail")
	c := join(t, room, "c")
	router := room.Router().(*coretest.Router)
	router.TransportErr = coretest.ErrInjected

	_, err := c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
	require.ErrorIs(t, err, coretest.ErrInjected)
	assert.False(t, c.Closed())

	router.TransportErr = nil
	_, err = c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
	require.NoError(t, err)
}

func TestConnectTransport(t *testing.T) {
	room := newRoom(t, "connect")
	c := join(t, room, "c")
	ctx := context.Background()
	remote := json.RawMessage(`{"sdp":"answer"}`)

	assert.ErrorIs(t, c.ConnectTransport(ctx, domain.DirectionSend, "", remote), core.ErrTransportNotFound)
	_, err := c.CreateTransport(ctx, domain.DirectionSend, "", "")
	require.NoError(t, err)
	require.NoError(t, c.ConnectTransport(ctx, domain.DirectionSend, "", remote))

	_, err = c.CreateTransport(ctx, domain.DirectionReceive, "a1", "")
	require.NoError(t, err)
	require.NoError(t, c.ConnectTransport(ctx, domain.DirectionReceive, "a1", remote))
	assert.ErrorIs(t, c.ConnectTransport(ctx, domain.DirectionReceive, "a9", remote), core.ErrTransportNotFound)

	router := room.Router().(*coretest.Router)
	assert.JSONEq(t, string(remote), string(router.Transports[1].Remote))
}

func TestAudioProducerRegistersWithObserver(t *testing.T) {
	room := newRoom(t, "obs")
	c := join(t, room, "c")
	a, v, _ := produce(t, room, c)
	obs := room.Router().(*coretest.Router).Observer
	assert.True(t, obs.Has(a))
	assert.False(t, obs.Has(v))
}

func TestConsumeErrors(t *testing.T) {
	room := newRoom(t, "consume")
	x := join(t, room, "x")
	xa, _, _ := produce(t, room, x)
	y := join(t, room, "y")
	caps := room.Router().RTPCapabilities()
	ctx := context.Background()

	_, err := y.Consume(ctx, caps, "missing", domain.KindAudio)
	assert.ErrorIs(t, err, core.ErrCannotConsume)

	_, err = y.Consume(ctx, caps, xa, domain.KindAudio)
	assert.ErrorIs(t, err, core.ErrTransportNotFound)

	_, err = y.CreateTransport(ctx, domain.DirectionReceive, xa, "")
	require.NoError(t, err)
	room.Router().(*coretest.Router).Transports[1].ConsumeErr = coretest.ErrInjected
	_, err = y.Consume(ctx, caps, xa, domain.KindAudio)
	assert.ErrorIs(t, err, coretest.ErrInjected)
	assert.False(t, y.HasDownstream(xa), "empty path is dropped")
	assert.True(t, room.Router().(*coretest.Router).Transports[1].Closed())

	assert.ErrorIs(t, y.UnpauseConsumer(xa, domain.KindAudio), core.ErrConsumerNotFound)
}

func TestProduceResultDiscardedAfterTeardown(t *testing.T) {
	room := newRoom(t, "cancel")
	c := join(t, room, "c")
	_, err := c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
	require.NoError(t, err)
	up := room.Router().(*coretest.Router).Transports[0]
	gate := make(chan struct{})
	up.ProduceGate = gate

	type result struct {
		p   core.Producer
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.Produce(context.Background(), domain.KindAudio, nil)
		done <- result{p, err}
	}()

	room.RemoveMember(c.ID())
	close(gate)

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, core.ErrSessionClosed)
		assert.Nil(t, res.p)
	case <-time.After(2 * time.Second):
		t.Fatal("produce did not return")
	}
	assert.Empty(t, c.AudioProducerID())
	assert.Empty(t, room.Ranking())
}

func TestTeardownIsIdempotent(t *testing.T) {
	room := newRoom(t, "teardown")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	ca, cv := consume(t, room, y, xa, xv, true)

	y.Teardown()
	y.Teardown()
	assert.True(t, ca.(*coretest.Consumer).IsClosed())
	assert.True(t, cv.(*coretest.Consumer).IsClosed())
	assert.Equal(t, 0, y.DownstreamCount())

	_, err := y.CreateTransport(context.Background(), domain.DirectionSend, "", "")
	assert.ErrorIs(t, err, core.ErrSessionClosed)
}

func TestSetVideoEnabled(t *testing.T) {
	room := newRoom(t, "video")
	c := join(t, room, "c")
	assert.ErrorIs(t, c.SetVideoEnabled(false), core.ErrProducerNotFound)

	_, v, _ := produce(t, room, c)
	require.NoError(t, c.SetVideoEnabled(false))
	assert.True(t, producerOf(t, room, v).Paused())
	assert.True(t, c.Member().VideoPaused)
	require.NoError(t, c.SetVideoEnabled(true))
	assert.False(t, producerOf(t, room, v).Paused())
}
