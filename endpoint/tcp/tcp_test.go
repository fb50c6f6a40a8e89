package tcp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/bbdo"
	cerrors "github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
	"github.com/c360/bbdobroker/stream"
)

func registry(t *testing.T) *event.Registry {
	t.Helper()
	r := event.NewRegistry()
	require.NoError(t, neb.Register(r))
	return r
}

func TestConnectorAcceptorRoundTrip(t *testing.T) {
	reg := registry(t)
	acc := NewAcceptor("127.0.0.1:0", bbdo.Options{Name: "central", Registry: reg, Negotiation: true})
	require.NoError(t, acc.Listen())
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan stream.Stream, 1)
	go func() {
		s, err := acc.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		if o, ok := s.(stream.Opener); ok {
			if err := o.Open(ctx); err != nil {
				close(accepted)
				return
			}
		}
		accepted <- s
	}()

	conn := NewConnector(acc.Addr().String(), bbdo.Options{Name: "poller", Registry: reg, Negotiation: true})
	assert.Equal(t, "poller", conn.Name())
	out, err := conn.Open(ctx)
	require.NoError(t, err)
	defer out.Stop()

	in, ok := <-accepted
	require.True(t, ok)
	defer in.Stop()

	_, err = out.Write(event.New(&neb.HostStatus{HostID: 7, Output: "PING OK"}))
	require.NoError(t, err)

	ev, err := in.Read(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	hs, ok := ev.Payload.(*neb.HostStatus)
	require.True(t, ok)
	assert.Equal(t, uint32(7), hs.HostID)
	assert.Equal(t, "PING OK", hs.Output)
}

func TestAcceptHonoursContext(t *testing.T) {
	acc := NewAcceptor("127.0.0.1:0", bbdo.Options{Name: "central"})
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := acc.Accept(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The listener survives a cancelled Accept.
	addr := acc.Addr()
	require.NotNil(t, addr)
	done := make(chan error, 1)
	go func() {
		_, err := acc.Accept(context.Background())
		done <- err
	}()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, <-done)
}

func TestAcceptAfterClose(t *testing.T) {
	acc := NewAcceptor("127.0.0.1:0", bbdo.Options{})
	require.NoError(t, acc.Listen())
	require.NoError(t, acc.Close())

	_, err := acc.Accept(context.Background())
	assert.True(t, errors.Is(err, cerrors.ErrAlreadyStopped))
	assert.Nil(t, acc.Addr())
}

func TestCloseUnblocksAccept(t *testing.T) {
	acc := NewAcceptor("127.0.0.1:0", bbdo.Options{})
	require.NoError(t, acc.Listen())

	done := make(chan error, 1)
	go func() {
		_, err := acc.Accept(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, acc.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, cerrors.ErrStreamClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewConnector(addr, bbdo.Options{Name: "db"}).Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrNoConnection))
	assert.True(t, cerrors.IsTransient(err))
}

func TestListenInvalidAddress(t *testing.T) {
	err := NewAcceptor("256.0.0.1:99999", bbdo.Options{}).Listen()
	require.Error(t, err)
	assert.True(t, cerrors.IsFatal(err))
}
