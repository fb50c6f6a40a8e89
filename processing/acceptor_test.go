package processing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/endpoint/tcp"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
	"github.com/c360/bbdobroker/multiplexing"
	"github.com/c360/bbdobroker/testutil"
)

func TestAcceptorRunsOneFeederPerConnection(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)
	observer := newObserver(t, e)

	ma := testutil.NewMockAcceptor("pollers")
	a, err := NewAcceptor(AcceptorOptions{
		Acceptor: ma,
		Feeder:   FeederOptions{Engine: e, ReadTimeout: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Equal(t, "pollers", a.Name())
	require.NoError(t, a.Start(context.Background()))

	peers := []*testutil.MockStream{testutil.NewMockStream("p1"), testutil.NewMockStream("p2")}
	for i, p := range peers {
		p.Push(testutil.HostEvent(uint32(i + 1)))
		ma.Connect(p)
	}

	got := testutil.Seqs(getN(t, observer, 2))
	assert.ElementsMatch(t, []uint32{1, 2}, got)
	require.Eventually(t, func() bool { return a.Feeders() == 2 }, testTimeout, time.Millisecond)
	assert.Equal(t, int64(2), a.Accepted())
	assert.Len(t, a.Status().SubStatuses, 2)

	peers[0].Break()
	require.Eventually(t, func() bool { return a.Feeders() == 1 }, testTimeout, time.Millisecond,
		"finished feeders are pruned")

	require.NoError(t, a.Exit(testTimeout))
	assert.True(t, peers[1].Stopped())
	assert.Equal(t, 0, a.Feeders())
	assert.True(t, a.Status().IsUnhealthy())
	assert.NoError(t, a.Exit(testTimeout))
}

func TestAcceptorRefusesPeersAfterExit(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)

	a, err := NewAcceptor(AcceptorOptions{
		Acceptor: testutil.NewMockAcceptor("pollers"),
		Feeder:   FeederOptions{Engine: e, ReadTimeout: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, a.Exit(testTimeout))

	// A connection handed over by an accept loop that outlived Exit.
	late := testutil.NewMockStream("late")
	a.spawn(context.Background(), late)

	assert.True(t, late.Stopped())
	assert.Equal(t, 0, a.Feeders())
	assert.Equal(t, int64(0), a.Accepted())
}

func TestAcceptorServesTCPPeers(t *testing.T) {
	reg := event.NewRegistry()
	require.NoError(t, neb.Register(reg))

	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)
	observer := newObserver(t, e)

	listener := tcp.NewAcceptor("127.0.0.1:0", bbdo.Options{Name: "central", Registry: reg, Negotiation: true})
	require.NoError(t, listener.Listen())

	a, err := NewAcceptor(AcceptorOptions{
		Acceptor: listener,
		Feeder:   FeederOptions{Engine: e, Output: true, ReadTimeout: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Exit(testTimeout) })

	ctx := waitCtx(t)
	peer, err := tcp.NewConnector(listener.Addr().String(),
		bbdo.Options{Name: "poller", Registry: reg, Negotiation: true}).Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = peer.Stop() })

	_, err = peer.Write(testutil.HostEvent(1))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, testutil.Seqs(getN(t, observer, 1)))

	require.Eventually(t, func() bool { return a.Feeders() == 1 }, testTimeout, time.Millisecond)
	require.NoError(t, e.Publish(testutil.HostEvent(2)))

	ev, err := peer.Read(ctx, time.Now().Add(testTimeout))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), testutil.Seq(ev))
}

func TestNewAcceptorValidation(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)

	_, err := NewAcceptor(AcceptorOptions{Feeder: FeederOptions{Engine: e}})
	assert.Error(t, err)

	_, err = NewAcceptor(AcceptorOptions{Acceptor: testutil.NewMockAcceptor("a")})
	assert.Error(t, err)
}
