// Package file stores BBDO frames in a plain file. As an output it appends
// every event; as an input it replays the file from the start and then
// follows it as it grows.
package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/stream"
)

// DefaultPollInterval is how often a reader at end of file looks for growth.
const DefaultPollInterval = 100 * time.Millisecond

// Options configures a file endpoint.
type Options struct {
	Name         string
	Path         string
	Registry     *event.Registry
	MaxEventSize int
	// Sync forces an fsync after every write.
	Sync         bool
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metric.Metrics
}

// Connector opens file streams.
type Connector struct {
	opts Options
}

var _ stream.Connector = (*Connector)(nil)

// NewConnector returns a connector for opts.Path.
func NewConnector(opts Options) *Connector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxEventSize <= 0 {
		opts.MaxEventSize = bbdo.DefaultMaxEventSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Connector{opts: opts}
}

// Name returns the endpoint name.
func (c *Connector) Name() string { return c.opts.Name }

// Open opens or creates the file.
func (c *Connector) Open(_ context.Context) (stream.Stream, error) {
	if dir := filepath.Dir(c.opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapTransient(err, "file.Connector", "Open", "create directory")
		}
	}
	f, err := os.OpenFile(c.opts.Path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(err, "file.Connector", "Open", "open "+c.opts.Path)
	}
	c.opts.Metrics.RecordEndpointStatus(c.opts.Name, true)
	logger := c.opts.Logger.With("endpoint", c.opts.Name, "path", c.opts.Path)
	return &Stream{
		opts:   c.opts,
		f:      f,
		logger: logger,
		decoder: bbdo.NewDecoder(c.opts.Registry,
			bbdo.WithMaxEventSize(c.opts.MaxEventSize),
			bbdo.WithDecoderLogger(logger, c.opts.Name),
			bbdo.WithDecoderMetrics(c.opts.Metrics),
		),
		readBuf: make([]byte, 64<<10),
	}, nil
}

// Stream reads and appends frames. Writes are acknowledged as soon as the
// operating system accepted them, or after fsync with Options.Sync.
type Stream struct {
	opts    Options
	f       *os.File
	logger  *slog.Logger
	decoder *bbdo.Decoder

	readOff int64
	buf     buffer.Stack
	readBuf []byte

	closed atomic.Bool
}

var _ stream.Stream = (*Stream)(nil)

// Read returns the next event in the file. At end of file it waits for the
// file to grow until deadline.
func (s *Stream) Read(ctx context.Context, deadline time.Time) (*event.Event, error) {
	for {
		if s.closed.Load() {
			return nil, errors.ErrStreamClosed
		}

		ev, err := s.decoder.Decode(&s.buf)
		switch {
		case err == nil:
			s.opts.Metrics.RecordRead(s.opts.Name)
			return ev, nil
		case errors.Is(err, errors.ErrNeedMoreData):
		case errors.Is(err, errors.ErrStreamBroken):
			return nil, err
		default:
			s.logger.Warn("Skipping undecodable data", "error", err, "offset", s.readOff)
			continue
		}

		n, rerr := s.f.ReadAt(s.readBuf, s.readOff)
		if n > 0 {
			s.buf.Push(s.readBuf[:n])
			s.readOff += int64(n)
			continue
		}
		if rerr != nil && rerr != io.EOF {
			return nil, errors.Broken(rerr, s.opts.Name)
		}

		if err := s.waitForGrowth(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

func (s *Stream) waitForGrowth(ctx context.Context, deadline time.Time) error {
	next := time.Now().Add(s.opts.PollInterval)
	if !deadline.IsZero() && deadline.Before(next) {
		next = deadline
	}
	err := stream.WaitDeadline(ctx, next)
	if errors.Is(err, errors.ErrTimeout) && (deadline.IsZero() || time.Now().Before(deadline)) {
		return nil
	}
	return err
}

// Write appends ev and acknowledges it.
func (s *Stream) Write(ev *event.Event) (int, error) {
	if s.closed.Load() {
		return 0, errors.ErrStreamClosed
	}
	frame, err := bbdo.EncodeLimit(ev, s.opts.MaxEventSize)
	if err != nil {
		return 0, err
	}
	if _, err := s.f.Write(frame); err != nil {
		return 0, errors.Broken(err, s.opts.Name)
	}
	if s.opts.Sync {
		if err := s.f.Sync(); err != nil {
			return 0, errors.Broken(err, s.opts.Name)
		}
	}
	s.opts.Metrics.RecordWritten(s.opts.Name)
	return 1, nil
}

// Stop syncs and closes the file.
func (s *Stream) Stop() (int, error) {
	if s.closed.Swap(true) {
		return 0, nil
	}
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	if syncErr != nil {
		return 0, errors.Wrap(syncErr, "file.Stream", "Stop", "sync")
	}
	return 0, errors.Wrap(closeErr, "file.Stream", "Stop", "close")
}
