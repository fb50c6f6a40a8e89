package compression

import (
	"sync/atomic"
	"time"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/stream"
)

// Stream compresses everything written to it and decompresses everything
// read from it. Reads and writes may run on different goroutines; each side
// is single-goroutine.
type Stream struct {
	lower stream.ByteStream
	algo  Algorithm

	in      buffer.Stack // raw lower-layer bytes not yet forming a block
	out     buffer.Stack // decompressed bytes not yet returned
	readBuf []byte

	writeBuf []byte

	rawWritten    atomic.Int64
	wireWritten   atomic.Int64
	blocksRead    atomic.Int64
	blocksWritten atomic.Int64
}

var (
	_ stream.ByteStream     = (*Stream)(nil)
	_ stream.WriteDeadliner = (*Stream)(nil)
)

// NewStream layers compression with algo over lower.
func NewStream(lower stream.ByteStream, algo Algorithm) *Stream {
	return &Stream{
		lower:   lower,
		algo:    algo,
		readBuf: make([]byte, 64<<10),
	}
}

// Layer returns the extension layer for algo. Both roles behave the same.
func Layer(algo Algorithm) func(stream.ByteStream, stream.Role) (stream.ByteStream, error) {
	return func(lower stream.ByteStream, _ stream.Role) (stream.ByteStream, error) {
		return NewStream(lower, algo), nil
	}
}

// Read returns decompressed bytes. A lower-layer error, timeouts included,
// keeps any partially received block for the next call.
func (s *Stream) Read(p []byte) (int, error) {
	for s.out.Size() == 0 {
		raw, n, err := ParseBlock(s.in.Data())
		switch {
		case err == nil:
			s.in.Pop(n)
			s.out.Push(raw)
			s.blocksRead.Add(1)
			continue
		case !errors.Is(err, errors.ErrNeedMoreData):
			return 0, err
		}

		m, rerr := s.lower.Read(s.readBuf)
		if m > 0 {
			s.in.Push(s.readBuf[:m])
			continue
		}
		if rerr != nil {
			return 0, rerr
		}
	}

	n := copy(p, s.out.Data())
	s.out.Pop(n)
	return n, nil
}

// Write splits p into blocks of at most MaxBlockSize and writes them fully.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), MaxBlockSize)]

		block, err := AppendBlock(s.writeBuf[:0], chunk, s.algo)
		if err != nil {
			return written, err
		}
		s.writeBuf = block

		for len(block) > 0 {
			n, err := s.lower.Write(block)
			block = block[n:]
			if err != nil {
				return written, err
			}
		}

		s.blocksWritten.Add(1)
		s.rawWritten.Add(int64(len(chunk)))
		s.wireWritten.Add(int64(len(s.writeBuf)))
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close closes the lower layer.
func (s *Stream) Close() error {
	return s.lower.Close()
}

// SetReadDeadline forwards to the lower layer.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.lower.SetReadDeadline(t)
}

// SetWriteDeadline forwards to the lower layer when it supports one.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	if wd, ok := s.lower.(stream.WriteDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}

// Stats reports throughput of one stream.
type Stats struct {
	Algorithm     string  `json:"algorithm"`
	BlocksRead    int64   `json:"blocks_read"`
	BlocksWritten int64   `json:"blocks_written"`
	RawWritten    int64   `json:"raw_written"`
	WireWritten   int64   `json:"wire_written"`
	Ratio         float64 `json:"ratio"`
}

// Stats returns a snapshot. Ratio is raw/wire bytes written, 0 before any write.
func (s *Stream) Stats() Stats {
	st := Stats{
		Algorithm:     s.algo.String(),
		BlocksRead:    s.blocksRead.Load(),
		BlocksWritten: s.blocksWritten.Load(),
		RawWritten:    s.rawWritten.Load(),
		WireWritten:   s.wireWritten.Load(),
	}
	if st.WireWritten > 0 {
		st.Ratio = float64(st.RawWritten) / float64(st.WireWritten)
	}
	return st
}
