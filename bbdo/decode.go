package bbdo

import (
	"fmt"
	"log/slog"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/pkg/buffer"
)

type reassemblyKey struct {
	t   event.Type
	src uint32
	dst uint32
}

// Decoder turns buffered bytes into events. It keeps partially received
// multi-chunk events and the resynchronisation state between calls, so one
// Decoder belongs to one stream.
type Decoder struct {
	registry        *event.Registry
	maxResyncWindow int
	maxEventSize    int
	endpoint        string
	logger          *slog.Logger
	metrics         *metric.Metrics

	pending map[reassemblyKey][]byte
	// dropping holds events whose earlier chunks were lost; their frames are
	// discarded up to and including the last chunk.
	dropping map[reassemblyKey]struct{}

	resyncing bool
	discarded int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxResyncWindow sets how many bytes one resync may discard before the
// stream is declared broken.
func WithMaxResyncWindow(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxResyncWindow = n
		}
	}
}

// WithMaxEventSize bounds reassembled payloads.
func WithMaxEventSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxEventSize = n
		}
	}
}

// WithDecoderLogger sets the logger and endpoint name used for resync warnings.
func WithDecoderLogger(logger *slog.Logger, endpoint string) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
		d.endpoint = endpoint
	}
}

// WithDecoderMetrics records resyncs in m.
func WithDecoderMetrics(m *metric.Metrics) DecoderOption {
	return func(d *Decoder) { d.metrics = m }
}

// NewDecoder returns a Decoder resolving payloads through registry. A nil
// registry decodes every non-control event as *event.Raw.
func NewDecoder(registry *event.Registry, opts ...DecoderOption) *Decoder {
	if registry == nil {
		registry = event.NewRegistry()
	}
	d := &Decoder{
		registry:        registry,
		maxResyncWindow: DefaultMaxResyncWindow,
		maxEventSize:    DefaultMaxEventSize,
		logger:          slog.Default(),
		pending:         make(map[reassemblyKey][]byte),
		dropping:        make(map[reassemblyKey]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode consumes bytes from buf and returns the next complete event.
//
// It returns errors.ErrNeedMoreData when buf holds no complete frame, an
// ErrFraming error when a checksum mismatch starts a resync, and an
// ErrStreamBroken error once a resync has discarded more than the configured
// window. Payloads that fail to parse are reported as invalid errors; the
// frame is consumed and decoding may continue.
func (d *Decoder) Decode(buf *buffer.Stack) (*event.Event, error) {
	for {
		data := buf.Data()
		if len(data) < HeaderSize {
			return nil, errors.ErrNeedMoreData
		}

		h := parseHeader(data)
		frameLen := HeaderSize + int(h.Size)

		if d.resyncing {
			if !d.plausible(h) {
				if err := d.skip(buf); err != nil {
					return nil, err
				}
				continue
			}
			if len(data) < frameLen {
				if n := d.validAhead(data); n > 0 {
					buf.Pop(n)
					d.discarded += n
					continue
				}
				return nil, errors.ErrNeedMoreData
			}
			if !frameValid(data, h) {
				if err := d.skip(buf); err != nil {
					return nil, err
				}
				continue
			}
			d.endResync()
		} else {
			if len(data) < frameLen {
				return nil, errors.ErrNeedMoreData
			}
			if !frameValid(data, h) {
				d.beginResync(h)
				if err := d.skip(buf); err != nil {
					return nil, err
				}
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: checksum mismatch on %s frame (size %d)", errors.ErrFraming, h.Type, h.Size),
					"Decoder", "Decode", "verify frame")
			}
		}

		chunk := data[HeaderSize:frameLen]
		key := keyOf(h)

		if _, ok := d.dropping[key]; ok {
			buf.Pop(frameLen)
			if h.Size < MaxChunkSize {
				delete(d.dropping, key)
				d.logger.Warn("Dropped remainder of incomplete event",
					"endpoint", d.endpoint, "type", h.Type, "source", h.Source)
			}
			continue
		}

		if h.Size == MaxChunkSize {
			assembled := append(d.pending[key], chunk...)
			buf.Pop(frameLen)
			if len(assembled) > d.maxEventSize {
				delete(d.pending, key)
				d.dropping[key] = struct{}{}
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: %w: %s exceeds %d bytes", errors.ErrFraming, errors.ErrEventSize, h.Type, d.maxEventSize),
					"Decoder", "Decode", "reassemble event")
			}
			d.pending[key] = assembled
			continue
		}

		var payload []byte
		if prev, ok := d.pending[key]; ok {
			payload = append(prev, chunk...)
			delete(d.pending, key)
		} else {
			payload = append([]byte(nil), chunk...)
		}
		buf.Pop(frameLen)

		if len(payload) > d.maxEventSize {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w: %s exceeds %d bytes", errors.ErrFraming, errors.ErrEventSize, h.Type, d.maxEventSize),
				"Decoder", "Decode", "reassemble event")
		}
		return d.build(h, payload)
	}
}

func (d *Decoder) build(h Header, payload []byte) (*event.Event, error) {
	p, ok := controlPayload(h.Type)
	if !ok {
		p, _ = d.registry.NewPayload(h.Type)
	}
	if err := event.DecodePayload(p, payload); err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "build", fmt.Sprintf("decode %s payload", h.Type))
	}
	return &event.Event{
		Type:        h.Type,
		Source:      h.Source,
		Destination: h.Destination,
		Payload:     p,
	}, nil
}

func keyOf(h Header) reassemblyKey {
	return reassemblyKey{t: h.Type, src: h.Source, dst: h.Destination}
}

// beginResync starts a scan after the frame described by h failed its
// checksum. Every partial event loses a chunk somewhere in the discarded
// bytes, so none of them can be completed; their remaining chunks are
// dropped instead of being reassembled into a shorter payload.
func (d *Decoder) beginResync(h Header) {
	for key := range d.pending {
		d.dropping[key] = struct{}{}
	}
	clear(d.pending)
	if h.Size == MaxChunkSize {
		d.dropping[keyOf(h)] = struct{}{}
	}
	d.resyncing = true
	d.discarded = 0
}

// validAhead looks past an incomplete candidate for a later offset holding a
// complete frame with a correct checksum, within what is left of the window.
// It returns that offset, or 0 when there is none.
func (d *Decoder) validAhead(data []byte) int {
	limit := min(len(data)-HeaderSize, d.maxResyncWindow-d.discarded)
	for i := 1; i <= limit; i++ {
		h := parseHeader(data[i:])
		if !d.plausible(h) {
			continue
		}
		if len(data)-i < HeaderSize+int(h.Size) {
			continue
		}
		if frameValid(data[i:], h) {
			return i
		}
	}
	return 0
}

// plausible is the cheap test applied to candidate headers while resyncing.
func (d *Decoder) plausible(h Header) bool {
	c := h.Type.Category()
	return c == event.CategoryBBDO || d.registry.HasCategory(c)
}

// skip discards one byte of a resync and escalates once the window is spent.
func (d *Decoder) skip(buf *buffer.Stack) error {
	buf.Pop(1)
	d.discarded++
	if d.discarded > d.maxResyncWindow {
		discarded := d.discarded
		d.resyncing = false
		d.discarded = 0
		clear(d.pending)
		clear(d.dropping)
		d.logger.Error("Resync window exhausted",
			"endpoint", d.endpoint, "bytes", discarded, "window", d.maxResyncWindow)
		d.metrics.RecordResync(d.endpoint, discarded)
		return errors.Broken(fmt.Errorf("%w: no valid frame within %d bytes", errors.ErrFraming, d.maxResyncWindow), d.endpoint)
	}
	return nil
}

func (d *Decoder) endResync() {
	d.logger.Warn("Resynchronised after framing error",
		"endpoint", d.endpoint, "bytes", d.discarded)
	d.metrics.RecordResync(d.endpoint, d.discarded)
	d.resyncing = false
	d.discarded = 0
}

// Resyncing reports whether the decoder is scanning for a frame boundary.
func (d *Decoder) Resyncing() bool {
	return d.resyncing
}

// Pending returns the number of partially reassembled events.
func (d *Decoder) Pending() int {
	return len(d.pending)
}
