// Package stream defines the contracts between the protocol layer, the
// endpoints that carry it and the failover engine that drives them.
package stream

import (
	"context"
	"io"
	"time"

	"github.com/c360/bbdobroker/event"
)

// ByteStream is the lower layer a protocol stream reads from and writes to:
// a socket, a file, a TLS session or a compression layer stacked on one of
// those. Reads honour the read deadline and report expiry as a net.Error
// with Timeout() == true.
type ByteStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// WriteDeadliner is implemented by byte streams whose writes can be bounded.
type WriteDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Stream moves events. Read and Write are called from a single goroutine.
type Stream interface {
	// Read returns the next event, errors.ErrTimeout when the deadline passes
	// first, or a stream-broken error. A zero deadline waits until ctx ends.
	Read(ctx context.Context, deadline time.Time) (*event.Event, error)

	// Write sends ev and returns how many earlier writes the peer has
	// acknowledged since the previous call.
	Write(ev *event.Event) (int, error)

	// Stop flushes within a bounded time and closes the stream. It returns the
	// final acknowledgement count.
	Stop() (int, error)
}

// Sink consumes events without producing any: a database writer, a graph
// writer or a plain file. The acked count has the same meaning as for
// Stream.Write.
type Sink interface {
	Write(ctx context.Context, ev *event.Event) (int, error)
	Close() error
}

// Endpoint names a place streams come from.
type Endpoint interface {
	Name() string
}

// Connector opens outbound streams.
type Connector interface {
	Endpoint
	Open(ctx context.Context) (Stream, error)
}

// Opener is implemented by streams that need a handshake before use.
// Acceptors may hand out unopened streams so that a slow peer only delays its
// own feeder; the consumer calls Open before the first Read or Write.
type Opener interface {
	Open(ctx context.Context) error
}

// Acceptor yields one stream per inbound connection.
type Acceptor interface {
	Endpoint
	Accept(ctx context.Context) (Stream, error)
	Close() error
}

// Role tells a protocol stream which side of the handshake it plays.
type Role int

const (
	// RoleConnector opened the connection and speaks first.
	RoleConnector Role = iota
	// RoleAcceptor answers.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "connector"
}

// SinkStream adapts a Sink to the Stream interface. It never yields events:
// Read waits out its deadline and reports errors.ErrTimeout.
type SinkStream struct {
	sink Sink
	ctx  context.Context
}

// NewSinkStream wraps sink. ctx bounds every Write.
func NewSinkStream(ctx context.Context, sink Sink) *SinkStream {
	return &SinkStream{sink: sink, ctx: ctx}
}

func (s *SinkStream) Read(ctx context.Context, deadline time.Time) (*event.Event, error) {
	return nil, WaitDeadline(ctx, deadline)
}

func (s *SinkStream) Write(ev *event.Event) (int, error) {
	return s.sink.Write(s.ctx, ev)
}

func (s *SinkStream) Stop() (int, error) {
	return 0, s.sink.Close()
}
