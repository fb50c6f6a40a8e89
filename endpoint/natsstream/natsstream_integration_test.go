//go:build integration

package natsstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
	"github.com/c360/bbdobroker/natsclient"
	"github.com/c360/bbdobroker/stream"
)

func registry(t *testing.T) *event.Registry {
	t.Helper()
	r := event.NewRegistry()
	require.NoError(t, neb.Register(r))
	return r
}

func logEntry(i int) *event.Event {
	return event.New(&neb.LogEntry{HostID: uint32(i), Output: "PING OK"})
}

func readN(t *testing.T, s stream.Stream, n int) []uint32 {
	t.Helper()
	var hosts []uint32
	deadline := time.Now().Add(10 * time.Second)
	for len(hosts) < n {
		ev, err := s.Read(context.Background(), deadline)
		require.NoError(t, err)
		hosts = append(hosts, ev.Payload.(*neb.LogEntry).HostID)
	}
	return hosts
}

func TestCoreRoundTrip(t *testing.T) {
	tc := natsclient.NewTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	in, err := NewConnector(Options{
		Name: "nats-in", URL: tc.URL, Subject: "bbdo.{category}", Input: true, Registry: registry(t),
	}).Open(ctx)
	require.NoError(t, err)
	defer in.Stop()

	out, err := NewConnector(Options{
		Name: "nats-out", URL: tc.URL, Subject: "bbdo.{category}", AckLimit: 2,
	}).Open(ctx)
	require.NoError(t, err)

	total := 0
	for i := range 3 {
		acked, err := out.Write(logEntry(i))
		require.NoError(t, err)
		total += acked
	}
	assert.Equal(t, 2, total)

	acked, err := out.Stop()
	require.NoError(t, err)
	assert.Equal(t, 1, acked)

	assert.Equal(t, []uint32{0, 1, 2}, readN(t, in, 3))
}

func TestJetStreamAcksAndReplay(t *testing.T) {
	tc := natsclient.NewTestServer(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := Options{Name: "retained", URL: tc.URL, Subject: "bbdo.retained", JetStream: true, Registry: registry(t)}

	out, err := NewConnector(opts).Open(ctx)
	require.NoError(t, err)

	total := 0
	for i := range 5 {
		acked, err := out.Write(logEntry(i))
		require.NoError(t, err)
		total += acked
	}
	acked, err := out.Stop()
	require.NoError(t, err)
	assert.Equal(t, 5, total+acked)

	opts.Input = true
	in, err := NewConnector(opts).Open(ctx)
	require.NoError(t, err)
	defer in.Stop()

	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, readN(t, in, 5))
}
