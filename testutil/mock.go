package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/stream"
)

// MockStream is an in-memory stream with scripted behaviour. Every write is
// recorded; inbound events are queued with Push. By default each write is
// acknowledged at once.
type MockStream struct {
	name string

	mu         sync.Mutex
	written    []*event.Event
	pending    int
	holdAcks   bool
	breakAfter int
	broken     bool
	stopped    bool
	stops      int
	writeErr   func(ev *event.Event) error
	brokenCh   chan struct{}
	inbound    chan *event.Event
	changed    chan struct{}
	closeCalls int
}

var _ stream.Stream = (*MockStream)(nil)

// NewMockStream creates a healthy stream.
func NewMockStream(name string) *MockStream {
	return &MockStream{
		name:       name,
		breakAfter: -1,
		brokenCh:   make(chan struct{}),
		inbound:    make(chan *event.Event, 1024),
		changed:    make(chan struct{}),
	}
}

// HoldAcks withholds acknowledgements; Stop releases them unless the stream
// broke.
func (m *MockStream) HoldAcks() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdAcks = true
	return m
}

// BreakAfter lets n writes through, then breaks the stream.
func (m *MockStream) BreakAfter(n int) *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakAfter = n
	return m
}

// FailWrites makes Write return fn's error for events it rejects.
func (m *MockStream) FailWrites(fn func(ev *event.Event) error) *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = fn
	return m
}

// Break breaks the stream now.
func (m *MockStream) Break() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakLocked()
}

func (m *MockStream) breakLocked() {
	if !m.broken {
		m.broken = true
		close(m.brokenCh)
	}
}

// Push queues an inbound event for Read.
func (m *MockStream) Push(evs ...*event.Event) {
	for _, ev := range evs {
		m.inbound <- ev
	}
}

func (m *MockStream) Read(ctx context.Context, deadline time.Time) (*event.Event, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ev := <-m.inbound:
		return ev, nil
	case <-m.brokenCh:
		return nil, errors.Broken(errors.ErrConnectionLost, m.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, errors.ErrTimeout
	}
}

func (m *MockStream) Write(ev *event.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return 0, errors.ErrStreamClosed
	}
	if m.broken {
		return 0, errors.Broken(errors.ErrConnectionLost, m.name)
	}
	if m.breakAfter >= 0 && len(m.written) >= m.breakAfter {
		m.breakLocked()
		return 0, errors.Broken(errors.ErrConnectionLost, m.name)
	}
	if m.writeErr != nil {
		if err := m.writeErr(ev); err != nil {
			return 0, err
		}
	}

	m.written = append(m.written, ev)
	m.notifyLocked()
	if m.holdAcks {
		m.pending++
		return 0, nil
	}
	return 1, nil
}

func (m *MockStream) Stop() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.stopped {
		return 0, nil
	}
	m.stopped = true
	m.notifyLocked()
	if m.broken {
		return 0, errors.Broken(errors.ErrConnectionLost, m.name)
	}
	acked := m.pending
	m.pending = 0
	return acked, nil
}

// Close force-closes the stream from any goroutine.
func (m *MockStream) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.breakLocked()
}

func (m *MockStream) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Written returns a copy of the events written so far.
func (m *MockStream) Written() []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*event.Event, len(m.written))
	copy(out, m.written)
	return out
}

// Stopped reports whether Stop was called.
func (m *MockStream) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Closed reports whether Close was called.
func (m *MockStream) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls > 0
}

// WaitWritten blocks until n events were written or ctx ends.
func (m *MockStream) WaitWritten(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		got := len(m.written)
		ch := m.changed
		m.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%d of %d events written: %w", got, n, ctx.Err())
		}
	}
}

// MockConnector opens MockStreams. While down, Open fails with a transient
// no-connection error.
type MockConnector struct {
	name string

	mu        sync.Mutex
	down      bool
	opens     int
	streams   []*MockStream
	newStream func(n int) *MockStream
	changed   chan struct{}
}

var _ stream.Connector = (*MockConnector)(nil)

// NewMockConnector returns a connector that is up.
func NewMockConnector(name string) *MockConnector {
	return &MockConnector{name: name, changed: make(chan struct{})}
}

// WithStreams sets the factory of opened streams. n counts successful opens
// from zero.
func (c *MockConnector) WithStreams(fn func(n int) *MockStream) *MockConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newStream = fn
	return c
}

// SetDown switches the endpoint off or back on.
func (c *MockConnector) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

func (c *MockConnector) Name() string { return c.name }

func (c *MockConnector) Open(ctx context.Context) (stream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	defer func() {
		close(c.changed)
		c.changed = make(chan struct{})
	}()

	if c.down {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "MockConnector", "Open", "dial "+c.name)
	}
	var s *MockStream
	if c.newStream != nil {
		s = c.newStream(len(c.streams))
	} else {
		s = NewMockStream(c.name)
	}
	c.streams = append(c.streams, s)
	return s, nil
}

// Opens returns how many times Open was called.
func (c *MockConnector) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Streams returns the streams opened so far.
func (c *MockConnector) Streams() []*MockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MockStream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Written returns every event written through any stream of c, in open
// order.
func (c *MockConnector) Written() []*event.Event {
	var out []*event.Event
	for _, s := range c.Streams() {
		out = append(out, s.Written()...)
	}
	return out
}

// WaitStreams blocks until n streams were opened or ctx ends.
func (c *MockConnector) WaitStreams(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		got := len(c.streams)
		ch := c.changed
		c.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%d of %d streams opened: %w", got, n, ctx.Err())
		}
	}
}

// MockAcceptor hands out queued streams.
type MockAcceptor struct {
	name    string
	streams chan stream.Stream
	closed  chan struct{}
	once    sync.Once
}

var _ stream.Acceptor = (*MockAcceptor)(nil)

// NewMockAcceptor returns an acceptor with no pending connections.
func NewMockAcceptor(name string) *MockAcceptor {
	return &MockAcceptor{
		name:    name,
		streams: make(chan stream.Stream, 64),
		closed:  make(chan struct{}),
	}
}

// Connect queues s as the next accepted connection.
func (a *MockAcceptor) Connect(s stream.Stream) { a.streams <- s }

func (a *MockAcceptor) Name() string { return a.name }

func (a *MockAcceptor) Accept(ctx context.Context) (stream.Stream, error) {
	select {
	case s := <-a.streams:
		return s, nil
	case <-a.closed:
		return nil, errors.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *MockAcceptor) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}
