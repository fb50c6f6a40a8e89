package processing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/multiplexing"
	"github.com/c360/bbdobroker/testutil"
)

func newObserver(t *testing.T, e *multiplexing.Engine) *multiplexing.Subscriber {
	t.Helper()
	sub, err := e.Subscribe(multiplexing.SubscriberOptions{Name: "observer"})
	require.NoError(t, err)
	return sub
}

func getN(t *testing.T, sub *multiplexing.Subscriber, n int) []*event.Event {
	t.Helper()
	var out []*event.Event
	for range n {
		ev, err := sub.Get(context.Background(), time.Now().Add(testTimeout))
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestFeederMovesEventsBothWays(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)
	observer := newObserver(t, e)

	peer := testutil.NewMockStream("poller")
	fd, err := NewFeeder(FeederOptions{
		Name:        "poller-1",
		Stream:      peer,
		Engine:      e,
		Output:      true,
		ReadTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, fd.Start(context.Background()))
	t.Cleanup(func() { _ = fd.Exit(testTimeout) })

	peer.Push(testutil.HostEvents(1, 3)...)
	assert.Equal(t, []uint32{1, 2, 3}, testutil.Seqs(getN(t, observer, 3)))

	require.NoError(t, e.Publish(testutil.HostEvent(10)))
	require.NoError(t, e.Publish(testutil.HostEvent(11)))
	require.NoError(t, peer.WaitWritten(waitCtx(t), 2))

	assert.Equal(t, []uint32{10, 11}, testutil.Seqs(peer.Written()),
		"the peer gets bus events but never its own")
	assert.Equal(t, StateStreaming, fd.State())
	assert.True(t, fd.Status().IsHealthy())
}

func TestFeederInputOnly(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)
	observer := newObserver(t, e)

	peer := testutil.NewMockStream("poller")
	fd, err := NewFeeder(FeederOptions{Name: "in", Stream: peer, Engine: e, ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Size(), "an input feeder does not subscribe")

	require.NoError(t, fd.Start(context.Background()))
	t.Cleanup(func() { _ = fd.Exit(testTimeout) })

	peer.Push(testutil.LogEvent(7))
	assert.Equal(t, []uint32{7}, testutil.Seqs(getN(t, observer, 1)))
}

func TestFeederStampsSource(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)
	observer := newObserver(t, e)

	peer := testutil.NewMockStream("poller")
	fd, err := NewFeeder(FeederOptions{Name: "in", Stream: peer, Engine: e, SourceID: 12, ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, fd.Start(context.Background()))
	t.Cleanup(func() { _ = fd.Exit(testTimeout) })

	peer.Push(testutil.LogEvent(1), testutil.LogEvent(2).WithRoute(3, 0))
	got := getN(t, observer, 2)
	assert.Equal(t, uint32(12), got[0].Source)
	assert.Equal(t, uint32(3), got[1].Source)
}

func TestFeederEndsWhenStreamBreaks(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)

	peer := testutil.NewMockStream("poller")
	fd, err := NewFeeder(FeederOptions{Name: "poller-1", Stream: peer, Engine: e, Output: true})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Size())
	require.NoError(t, fd.Start(context.Background()))

	peer.Break()
	select {
	case <-fd.Done():
	case <-time.After(testTimeout):
		t.Fatal("feeder kept running on a broken stream")
	}

	assert.Equal(t, StateExiting, fd.State())
	assert.True(t, peer.Stopped())
	assert.Equal(t, 0, e.Size(), "the feeder's subscriber is detached")
	assert.NoError(t, fd.Exit(time.Second))
	assert.NoError(t, fd.Exit(time.Second))
}

func TestFeederExitBeforeStart(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)

	peer := testutil.NewMockStream("poller")
	fd, err := NewFeeder(FeederOptions{Name: "p", Stream: peer, Engine: e, Output: true})
	require.NoError(t, err)

	require.NoError(t, fd.Exit(time.Second))
	assert.True(t, peer.Stopped())
	assert.Equal(t, 0, e.Size())
	<-fd.Done()
}

func TestNewFeederValidation(t *testing.T) {
	e := multiplexing.NewEngine()
	t.Cleanup(e.Stop)

	_, err := NewFeeder(FeederOptions{Engine: e})
	assert.Error(t, err)

	_, err = NewFeeder(FeederOptions{Stream: testutil.NewMockStream("p")})
	assert.Error(t, err)

	_, err = NewFeeder(FeederOptions{Stream: testutil.NewMockStream("p"), Engine: e, Output: true, Overflow: "sometimes"})
	assert.Error(t, err)
}
