package stream

import (
	"net"
	"time"
)

// PrefixStream serves buffered bytes before reading from the wrapped stream.
// It is used when a layer is inserted mid-connection and bytes meant for the
// new layer were already read by the old one.
type PrefixStream struct {
	ByteStream
	prefix []byte
}

// WithPrefix returns bs unchanged when prefix is empty.
func WithPrefix(bs ByteStream, prefix []byte) ByteStream {
	if len(prefix) == 0 {
		return bs
	}
	return &PrefixStream{ByteStream: bs, prefix: append([]byte(nil), prefix...)}
}

func (p *PrefixStream) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.ByteStream.Read(b)
}

// SetWriteDeadline forwards to the wrapped stream when it supports one.
func (p *PrefixStream) SetWriteDeadline(t time.Time) error {
	if wd, ok := p.ByteStream.(WriteDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}

// AsConn presents bs as a net.Conn, for layers such as crypto/tls that need
// one. A ByteStream that already is a net.Conn is returned as is.
func AsConn(bs ByteStream) net.Conn {
	if c, ok := bs.(net.Conn); ok {
		return c
	}
	return &conn{ByteStream: bs}
}

type conn struct {
	ByteStream
}

type pipeAddr string

func (a pipeAddr) Network() string { return "bbdo" }
func (a pipeAddr) String() string  { return string(a) }

func (c *conn) LocalAddr() net.Addr  { return pipeAddr("local") }
func (c *conn) RemoteAddr() net.Addr { return pipeAddr("remote") }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ByteStream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	if wd, ok := c.ByteStream.(WriteDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}
