package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
)

type memStream struct {
	*bytes.Buffer
	deadline time.Time
}

func (m *memStream) Close() error                      { return nil }
func (m *memStream) SetReadDeadline(t time.Time) error { m.deadline = t; return nil }

func TestWithPrefixServesPrefixFirst(t *testing.T) {
	base := &memStream{Buffer: bytes.NewBufferString("world")}
	s := WithPrefix(base, []byte("hello "))

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	assert.Same(t, ByteStream(base), WithPrefix(base, nil))
}

func TestAsConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.Same(t, a, AsConn(a))

	base := &memStream{Buffer: &bytes.Buffer{}}
	c := AsConn(base)
	deadline := time.Now().Add(time.Second)
	require.NoError(t, c.SetDeadline(deadline))
	assert.Equal(t, deadline, base.deadline)
	assert.Equal(t, "bbdo", c.RemoteAddr().Network())
}

type recordingSink struct {
	events []*event.Event
	closed bool
}

func (r *recordingSink) Write(_ context.Context, ev *event.Event) (int, error) {
	r.events = append(r.events, ev)
	return 1, nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestSinkStream(t *testing.T) {
	sink := &recordingSink{}
	s := NewSinkStream(context.Background(), sink)

	acked, err := s.Write(&event.Event{Type: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Len(t, sink.events, 1)

	_, err = s.Read(context.Background(), time.Now().Add(10*time.Millisecond))
	assert.True(t, errors.Is(err, cerrors.ErrTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Read(ctx, time.Time{})
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = s.Stop()
	require.NoError(t, err)
	assert.True(t, sink.closed)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "connector", RoleConnector.String())
	assert.Equal(t, "acceptor", RoleAcceptor.String())
}
