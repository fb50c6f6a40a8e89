package bbdo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/stream"
)

// State is the lifecycle of a protocol stream.
type State int32

const (
	StateUninitialized State = iota
	StateNegotiating
	StateActive
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Stream speaks BBDO over a byte stream. Open, Read, Write and Stop belong to
// one goroutine; Close may be called from anywhere to abort it.
type Stream struct {
	opts    Options
	logger  *slog.Logger
	decoder *Decoder

	mu    sync.Mutex // guards lower replacement against Close
	lower stream.ByteStream

	state     atomic.Int32
	closeOnce sync.Once

	buf     buffer.Stack
	readBuf []byte

	negState   NegotiationState
	negotiated []string

	inbox     []*event.Event // data events read while polling for acks
	received  int            // events delivered since the last ack we sent
	unacked   int            // events written and not yet acknowledged
	peerAcked int            // acknowledgements not yet reported by Write
	lastPoll  time.Time
	brokenErr error
}

var _ stream.Stream = (*Stream)(nil)

// NewStream wraps lower. The stream is inert until Open.
func NewStream(lower stream.ByteStream, opts Options) *Stream {
	opts.applyDefaults()
	logger := opts.Logger.With("endpoint", opts.Name, "role", opts.Role.String())
	return &Stream{
		opts:   opts,
		logger: logger,
		lower:  lower,
		decoder: NewDecoder(opts.Registry,
			WithMaxResyncWindow(opts.MaxResyncWindow),
			WithMaxEventSize(opts.MaxEventSize),
			WithDecoderLogger(logger, opts.Name),
			WithDecoderMetrics(opts.Metrics),
		),
		readBuf: make([]byte, readBufferSize),
	}
}

// Open runs the handshake, when enabled, and activates the stream. Failing to
// negotiate within the negotiation timeout closes the stream.
func (s *Stream) Open(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateNegotiating)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Stream", "Open", "open stream")
	}

	if s.opts.Negotiation {
		ctx, cancel := context.WithTimeout(ctx, s.opts.NegotiationTimeout)
		defer cancel()
		if err := s.negotiate(ctx); err != nil {
			s.Close()
			return err
		}
	}

	if !s.state.CompareAndSwap(int32(StateNegotiating), int32(StateActive)) {
		return errors.WrapTransient(errors.ErrStreamClosed, "Stream", "Open", "activate stream")
	}
	s.logger.Debug("Stream active", "extensions", s.negotiated)
	return nil
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// NegotiationState returns how far the handshake got.
func (s *Stream) NegotiationState() NegotiationState {
	return s.negState
}

// Extensions returns the negotiated extensions in stacking order.
func (s *Stream) Extensions() []string {
	return slices.Clone(s.negotiated)
}

// Name returns the endpoint name.
func (s *Stream) Name() string {
	return s.opts.Name
}

func (s *Stream) negotiate(ctx context.Context) error {
	mine := &VersionResponse{
		Supported: supportedNames(s.opts.Extensions),
		Requested: requestedNames(s.opts.Extensions),
	}

	var peer *VersionResponse
	var err error
	if s.opts.Role == stream.RoleConnector {
		if err = s.writeEvent(event.New(mine)); err != nil {
			return err
		}
		s.negState = NegotiationFirst
		if peer, err = s.readVersion(ctx); err != nil {
			return err
		}
		s.negState = NegotiationSecond
	} else {
		if peer, err = s.readVersion(ctx); err != nil {
			return err
		}
		s.negState = NegotiationFirst
		if err = s.writeEvent(event.New(mine)); err != nil {
			return err
		}
		s.negState = NegotiationSecond
	}

	set := NegotiateSet(mine.Supported, mine.Requested, peer.Supported, peer.Requested)
	for _, name := range mine.Requested {
		if !slices.Contains(set, name) {
			s.logger.Info("Extension not supported by peer, continuing without it", "extension", name)
		}
	}
	if err := checkMandatory(s.opts.Extensions, set); err != nil {
		s.logger.Error("Negotiation failed", "error", err, "peer_supported", peer.Supported)
		return err
	}

	if err := s.applyExtensions(set); err != nil {
		return err
	}
	s.negotiated = set
	s.negState = NegotiationDone
	return nil
}

func (s *Stream) readVersion(ctx context.Context) (*VersionResponse, error) {
	ev, err := s.nextFrame(ctx, time.Time{})
	if err != nil {
		if errors.IsTimeout(err) {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: no version response within %s", errors.ErrNegotiation, s.opts.NegotiationTimeout),
				"Stream", "negotiate", "read version response")
		}
		return nil, err
	}
	v, ok := ev.Payload.(*VersionResponse)
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: expected version response, got %s", errors.ErrNegotiation, ev.Type),
			"Stream", "negotiate", "read version response")
	}
	return v, nil
}

// applyExtensions stacks the negotiated layers. Bytes already buffered past
// the version response belong to the new top layer and are replayed into it.
func (s *Stream) applyExtensions(set []string) error {
	if len(set) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lower := stream.WithPrefix(s.lower, s.buf.Data())
	s.buf.Reset()

	for _, name := range set {
		idx := slices.IndexFunc(s.opts.Extensions, func(e Extension) bool { return e.Name == name })
		if idx < 0 || s.opts.Extensions[idx].Apply == nil {
			s.logger.Warn("Negotiated extension has no implementation", "extension", name)
			continue
		}
		next, err := s.opts.Extensions[idx].Apply(lower, s.opts.Role)
		if err != nil {
			s.lower = lower
			return errors.Broken(fmt.Errorf("apply %s: %w", name, err), s.opts.Name)
		}
		lower = next
		s.logger.Debug("Extension enabled", "extension", name)
	}
	s.lower = lower
	return nil
}

// Read returns the next data event. Acknowledgement and stop frames are
// consumed here. When the deadline passes first it returns errors.ErrTimeout
// after acknowledging whatever was received so far.
func (s *Stream) Read(ctx context.Context, deadline time.Time) (*event.Event, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	var ev *event.Event
	if len(s.inbox) > 0 {
		ev = s.inbox[0]
		s.inbox[0] = nil
		s.inbox = s.inbox[1:]
	} else {
		var err error
		ev, err = s.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, errors.ErrTimeout) && s.received > 0 {
				_ = s.sendAck()
			}
			return nil, err
		}
	}

	s.opts.Metrics.RecordRead(s.opts.Name)
	s.received++
	if s.received >= s.opts.AckLimit {
		if err := s.sendAck(); err != nil {
			s.logger.Warn("Failed to send acknowledgement", "error", err)
		}
	}
	return ev, nil
}

// Write sends ev and reports how many earlier events the peer acknowledged
// since the previous call.
func (s *Stream) Write(ev *event.Event) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}

	if err := s.writeEvent(ev); err != nil {
		return 0, err
	}
	s.unacked++
	s.opts.Metrics.RecordWritten(s.opts.Name)

	if s.unacked >= s.opts.AckLimit && time.Since(s.lastPoll) >= ackPollInterval {
		s.lastPoll = time.Now()
		if err := s.pollAcks(); err != nil {
			return s.takeAcked(), err
		}
	}
	return s.takeAcked(), nil
}

// Stop sends a stop frame acknowledging everything received, waits up to the
// stop timeout for the peer to acknowledge outstanding writes and closes the
// stream. Calling Stop again returns immediately.
func (s *Stream) Stop() (int, error) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateShuttingDown)) {
		s.Close()
		return s.takeAcked(), nil
	}

	var err error
	if s.brokenErr == nil {
		deadline := time.Now().Add(s.opts.StopTimeout)
		if wd, ok := s.lower.(stream.WriteDeadliner); ok {
			_ = wd.SetWriteDeadline(deadline)
		}

		err = s.writeEvent(event.New(&Stop{Count: uint32(s.received)}))
		s.received = 0

		for err == nil && s.unacked > s.peerAcked {
			var ev *event.Event
			ev, err = s.next(context.Background(), deadline)
			if err == nil {
				s.inbox = append(s.inbox, ev)
			}
		}
		if errors.Is(err, errors.ErrTimeout) {
			s.logger.Warn("Peer did not acknowledge all events before stop",
				"unacked", s.unacked-s.peerAcked)
			err = nil
		}
		if errors.Is(err, errors.ErrStreamBroken) {
			err = nil
		}
	}

	s.Close()
	return s.takeAcked(), err
}

// Close aborts the stream without flushing. It is safe from any goroutine.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.mu.Lock()
		lower := s.lower
		s.mu.Unlock()
		if lower != nil {
			_ = lower.Close()
		}
	})
}

func (s *Stream) usable() error {
	switch s.State() {
	case StateActive:
	case StateUninitialized, StateNegotiating:
		return errors.WrapInvalid(errors.ErrNotStarted, "Stream", "usable", "use stream")
	default:
		return errors.ErrStreamClosed
	}
	return s.brokenErr
}

func (s *Stream) takeAcked() int {
	n := s.peerAcked
	s.peerAcked = 0
	s.unacked = max(s.unacked-n, 0)
	return n
}

// pollAcks reads whatever the peer already sent without waiting long.
func (s *Stream) pollAcks() error {
	deadline := time.Now().Add(ackPollWait)
	for {
		ev, err := s.next(context.Background(), deadline)
		if err != nil {
			if errors.Is(err, errors.ErrTimeout) {
				return nil
			}
			return err
		}
		s.inbox = append(s.inbox, ev)
	}
}

func (s *Stream) sendAck() error {
	n := s.received
	if err := s.writeEvent(event.New(&Ack{Count: uint32(n)})); err != nil {
		return err
	}
	s.received = 0
	s.opts.Metrics.RecordAckSent(s.opts.Name)
	return nil
}

// next returns the next data event, handling control frames on the way.
func (s *Stream) next(ctx context.Context, deadline time.Time) (*event.Event, error) {
	for {
		ev, err := s.nextFrame(ctx, deadline)
		if err != nil {
			return nil, err
		}
		switch p := ev.Payload.(type) {
		case *Ack:
			s.peerAcked += int(p.Count)
		case *Stop:
			s.peerAcked += int(p.Count)
			s.logger.Info("Peer is stopping", "acknowledged", p.Count)
		case *VersionResponse:
			s.logger.Warn("Ignoring version response on an active stream")
		default:
			return ev, nil
		}
	}
}

// nextFrame returns the next decoded frame of any type.
func (s *Stream) nextFrame(ctx context.Context, deadline time.Time) (*event.Event, error) {
	for {
		ev, err := s.decoder.Decode(&s.buf)
		switch {
		case err == nil:
			return ev, nil
		case errors.Is(err, errors.ErrNeedMoreData):
		case errors.Is(err, errors.ErrStreamBroken):
			s.brokenErr = err
			return nil, err
		case errors.Is(err, errors.ErrFraming) && !errors.Is(err, errors.ErrEventSize):
			s.logger.Warn("Framing error, resynchronising", "error", err)
			continue
		default:
			s.logger.Warn("Dropping undecodable event", "error", err)
			continue
		}

		if err := s.fill(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

// fill performs one lower-layer read bounded by deadline and ctx.
func (s *Stream) fill(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rd := deadline
	if d, ok := ctx.Deadline(); ok && (rd.IsZero() || d.Before(rd)) {
		rd = d
	}
	if !rd.IsZero() && !time.Now().Before(rd) {
		return errors.ErrTimeout
	}

	if err := s.lower.SetReadDeadline(rd); err != nil {
		return s.broken(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.lower.SetReadDeadline(time.Now())
	})
	n, err := s.lower.Read(s.readBuf)
	stop()

	if n > 0 {
		s.buf.Push(s.readBuf[:n])
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.IsTimeout(err) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return errors.ErrTimeout
	}
	return s.broken(err)
}

func (s *Stream) writeEvent(ev *event.Event) error {
	frame, err := EncodeLimit(ev, s.opts.MaxEventSize)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := s.lower.Write(frame)
		frame = frame[n:]
		if err != nil {
			return s.broken(err)
		}
		if n == 0 {
			return s.broken(io.ErrShortWrite)
		}
	}
	return nil
}

// broken records a lower-layer failure. The stream is unusable afterwards.
func (s *Stream) broken(err error) error {
	if s.State() == StateClosed {
		return errors.ErrStreamClosed
	}
	if errors.IsExpectedClose(err) {
		s.logger.Info("Connection closed by peer", "error", err)
	} else {
		s.logger.Warn("Stream broken", "error", err)
	}
	s.brokenErr = errors.Broken(err, s.opts.Name)
	return s.brokenErr
}
