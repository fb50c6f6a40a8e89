// Package tcp carries BBDO streams over TCP connections.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/stream"
)

// DefaultDialTimeout bounds a connection attempt when the context has no
// earlier deadline.
const DefaultDialTimeout = 10 * time.Second

// DefaultKeepAlive is the TCP keep-alive period of broker connections.
const DefaultKeepAlive = 30 * time.Second

// Connector dials a remote peer and speaks BBDO as the connecting side.
type Connector struct {
	address string
	opts    bbdo.Options
	dialer  net.Dialer
	logger  *slog.Logger
	metrics *metric.Metrics
}

var _ stream.Connector = (*Connector)(nil)

// NewConnector returns a connector for address. opts is the template of every
// stream it opens; the role is forced to connector.
func NewConnector(address string, opts bbdo.Options) *Connector {
	opts.Role = stream.RoleConnector
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		address: address,
		opts:    opts,
		dialer:  net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive},
		logger:  logger.With("endpoint", opts.Name, "address", address),
		metrics: opts.Metrics,
	}
}

// Name returns the endpoint name.
func (c *Connector) Name() string { return c.opts.Name }

// Address returns the dialed address.
func (c *Connector) Address() string { return c.address }

// Open dials and runs the BBDO handshake.
func (c *Connector) Open(ctx context.Context) (stream.Stream, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		c.metrics.RecordEndpointStatus(c.opts.Name, false)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"tcp.Connector", "Open", "dial "+c.address)
	}
	c.logger.Debug("Connected", "local", conn.LocalAddr().String())

	s := bbdo.NewStream(conn, c.opts)
	if err := s.Open(ctx); err != nil {
		s.Close()
		c.metrics.RecordEndpointStatus(c.opts.Name, false)
		return nil, err
	}
	c.metrics.RecordEndpointStatus(c.opts.Name, true)
	return s, nil
}

// Acceptor listens for inbound BBDO peers.
type Acceptor struct {
	address string
	opts    bbdo.Options
	base    *slog.Logger
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

var _ stream.Acceptor = (*Acceptor)(nil)

// NewAcceptor returns an acceptor for address. Listen binds it; Accept binds
// lazily when Listen was not called.
func NewAcceptor(address string, opts bbdo.Options) *Acceptor {
	opts.Role = stream.RoleAcceptor
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		address: address,
		opts:    opts,
		base:    logger,
		logger:  logger.With("endpoint", opts.Name, "address", address),
	}
}

// Name returns the endpoint name.
func (a *Acceptor) Name() string { return a.opts.Name }

// Listen binds the listening socket.
func (a *Acceptor) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listenLocked()
}

func (a *Acceptor) listenLocked() error {
	if a.closed {
		return errors.ErrAlreadyStopped
	}
	if a.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.address)
	if err != nil {
		return errors.WrapFatal(err, "tcp.Acceptor", "Listen", "listen on "+a.address)
	}
	a.listener = ln
	a.logger.Info("Listening", "bound", ln.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Accept waits for the next peer. The returned stream is not opened yet: the
// caller runs the handshake through stream.Opener so that a slow peer does not
// hold up the accept loop.
func (a *Acceptor) Accept(ctx context.Context) (stream.Stream, error) {
	a.mu.Lock()
	if err := a.listenLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	ln := a.listener
	a.mu.Unlock()

	tl, _ := ln.(*net.TCPListener)
	if tl != nil {
		_ = tl.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() { _ = tl.SetDeadline(time.Now()) })
		defer stop()
	}

	conn, err := ln.Accept()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, errors.ErrStreamClosed
		}
		return nil, errors.WrapTransient(err, "tcp.Acceptor", "Accept", "accept connection")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlivePeriod(DefaultKeepAlive)
	}
	a.logger.Info("Peer connected", "remote", conn.RemoteAddr().String())

	opts := a.opts
	opts.Logger = a.base.With("remote", conn.RemoteAddr().String())
	return bbdo.NewStream(conn, opts), nil
}

// Close stops listening. Streams already accepted are unaffected.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.listener == nil {
		return nil
	}
	err := a.listener.Close()
	a.listener = nil
	return err
}
