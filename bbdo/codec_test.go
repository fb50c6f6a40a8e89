package bbdo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
	"github.com/c360/bbdobroker/event/storage"
	"github.com/c360/bbdobroker/pkg/buffer"
)

var typeValue = event.MakeType(event.CategoryNEB, 5)

// value is a single int32 payload.
type value struct{ V int32 }

func (*value) Type() event.Type                      { return typeValue }
func (v *value) EncodeFields(e *event.Encoder)       { e.Int32(v.V) }
func (v *value) DecodeFields(d *event.Decoder) error { v.V = d.Int32(); return d.Err() }

// blob carries an arbitrary byte payload for chunking tests.
type blob struct{ Data []byte }

var typeBlob = event.MakeType(event.CategoryStorage, 99)

func (*blob) Type() event.Type                { return typeBlob }
func (b *blob) EncodeFields(e *event.Encoder) { e.Raw(b.Data) }
func (b *blob) DecodeFields(d *event.Decoder) error {
	b.Data = append([]byte(nil), d.Rest()...)
	return nil
}

func testRegistry(t *testing.T) *event.Registry {
	t.Helper()
	r := event.NewRegistry()
	require.NoError(t, r.Register(typeValue, "test:value", func() event.Payload { return &value{} }))
	require.NoError(t, r.Register(typeBlob, "test:blob", func() event.Payload { return &blob{} }))
	return r
}

func decodeAll(t *testing.T, d *Decoder, buf *buffer.Stack) []*event.Event {
	t.Helper()
	var out []*event.Event
	for {
		ev, err := d.Decode(buf)
		if errors.Is(err, cerrors.ErrNeedMoreData) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestEncodeStatusFrame(t *testing.T) {
	ev := &event.Event{Type: 0x00010005, Source: 1, Destination: 2, Payload: &value{V: 42}}

	frame, err := Encode(ev)
	require.NoError(t, err)
	require.Len(t, frame, 20)

	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(frame[2:4]))
	assert.Equal(t, uint32(0x00010005), binary.BigEndian.Uint32(frame[4:8]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(frame[8:12]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(frame[12:16]))
	assert.Equal(t, []byte{0, 0, 0, 42}, frame[16:])
	assert.Equal(t, checksum(frame), binary.BigEndian.Uint16(frame[0:2]))

	var buf buffer.Stack
	buf.Push(frame)
	got, err := NewDecoder(testRegistry(t)).Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
	assert.Equal(t, 0, buf.Size())
}

func roundTripEvents() []*event.Event {
	return []*event.Event{
		event.New(&neb.ServiceStatus{HostID: 3, ServiceID: 4, Output: "OK - fine", PerfData: "load=0.1"}),
		event.New(&neb.LogEntry{HostName: "h", Output: "SERVICE ALERT"}).WithRoute(9, 0),
		event.New(&storage.Metric{MetricID: 5, Name: "rta", Value: 1.25}),
		event.New(&VersionResponse{Supported: []string{"TLS", "COMPRESSION"}, Requested: []string{"TLS"}}),
		event.New(&Ack{Count: 1000}),
		{Type: typeBlob, Payload: &blob{Data: bytes.Repeat([]byte("x"), MaxChunkSize+10)}},
	}
}

// fullRegistry knows the monitoring payloads. neb:5 is a downtime there, so
// the value type is left out.
func fullRegistry(t *testing.T) *event.Registry {
	t.Helper()
	r := event.NewRegistry()
	require.NoError(t, r.Register(typeBlob, "test:blob", func() event.Payload { return &blob{} }))
	require.NoError(t, neb.Register(r))
	require.NoError(t, storage.Register(r))
	return r
}

func TestRoundTrip(t *testing.T) {
	d := NewDecoder(fullRegistry(t))
	for _, ev := range roundTripEvents() {
		frame, err := Encode(ev)
		require.NoError(t, err)

		var buf buffer.Stack
		buf.Push(frame)
		got := decodeAll(t, d, &buf)
		require.Len(t, got, 1, "type %s", ev.Type)
		assert.Equal(t, ev, got[0])
	}
	assert.Equal(t, 0, d.Pending())
}

func TestPartialReadIdempotence(t *testing.T) {
	var stream []byte
	events := roundTripEvents()
	for _, ev := range events {
		frame, err := Encode(ev)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	for _, size := range []int{1, 2, 3, 7, 16, 17, 1000, len(stream)} {
		d := NewDecoder(fullRegistry(t))
		var buf buffer.Stack
		var got []*event.Event
		for off := 0; off < len(stream); off += size {
			buf.Push(stream[off:min(off+size, len(stream))])
			got = append(got, decodeAll(t, d, &buf)...)
		}
		require.Len(t, got, len(events), "chunk size %d", size)
		assert.Equal(t, events, got, "chunk size %d", size)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	ev := event.New(&neb.HostStatus{HostID: 1, Output: "PING OK", Latency: 0.5})
	frame, err := Encode(ev)
	require.NoError(t, err)

	r := fullRegistry(t)
	for i := HeaderSize; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := bytes.Clone(frame)
			corrupt[i] ^= 1 << bit

			var buf buffer.Stack
			buf.Push(corrupt)
			got, err := NewDecoder(r).Decode(&buf)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, cerrors.ErrFraming), "byte %d bit %d: %v", i, bit, err)
		}
	}
}

func TestResyncAfterGarbage(t *testing.T) {
	first, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 1}})
	require.NoError(t, err)
	second, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 2}})
	require.NoError(t, err)

	corrupt := bytes.Clone(first)
	corrupt[len(corrupt)-1] ^= 0xFF

	var buf buffer.Stack
	buf.Push(corrupt)
	buf.Push([]byte{0xde, 0xad, 0xbe, 0xef, 0x77, 0x66})
	buf.Push(second)

	d := NewDecoder(testRegistry(t))
	_, err = d.Decode(&buf)
	require.True(t, errors.Is(err, cerrors.ErrFraming))
	assert.True(t, cerrors.IsInvalid(err))
	assert.True(t, d.Resyncing())

	ev, err := d.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ev.Payload.(*value).V)
	assert.False(t, d.Resyncing())
	assert.Equal(t, 0, buf.Size())
}

func TestResyncWaitsForPlausibleCandidate(t *testing.T) {
	frame, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 3}})
	require.NoError(t, err)

	bad := bytes.Clone(frame)
	bad[0] ^= 0x01

	d := NewDecoder(testRegistry(t))
	var buf buffer.Stack
	buf.Push(bad)
	_, err = d.Decode(&buf)
	require.True(t, errors.Is(err, cerrors.ErrFraming))

	// Feed the good frame a byte at a time: the scan must pause, not skip it.
	var got *event.Event
	for i := range frame {
		buf.Push(frame[i : i+1])
		ev, err := d.Decode(&buf)
		if errors.Is(err, cerrors.ErrNeedMoreData) {
			continue
		}
		require.NoError(t, err)
		got = ev
	}
	require.NotNil(t, got)
	assert.Equal(t, int32(3), got.Payload.(*value).V)
}

func TestResyncWindowEscalates(t *testing.T) {
	frame, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 1}})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	d := NewDecoder(testRegistry(t), WithMaxResyncWindow(128))
	var buf buffer.Stack
	buf.Push(frame)
	// Zero bytes form headers of category 0, which is never registered.
	buf.Push(make([]byte, 512))

	_, err = d.Decode(&buf)
	require.True(t, errors.Is(err, cerrors.ErrFraming))

	_, err = d.Decode(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrStreamBroken))
	assert.True(t, cerrors.IsTransient(err))
}

func TestChunkBoundaries(t *testing.T) {
	for _, size := range []int{0, 1, MaxChunkSize - 1, MaxChunkSize, MaxChunkSize + 1, 2 * MaxChunkSize, 3*MaxChunkSize + 5} {
		ev := &event.Event{Type: typeBlob, Source: 4, Payload: &blob{Data: bytes.Repeat([]byte{0x5A}, size)}}
		frame, err := Encode(ev)
		require.NoError(t, err)

		chunks := size/MaxChunkSize + 1
		assert.Len(t, frame, size+chunks*HeaderSize, "size %d", size)

		last := frame[len(frame)-HeaderSize-size%MaxChunkSize:]
		assert.Equal(t, uint16(size%MaxChunkSize), binary.BigEndian.Uint16(last[2:4]), "size %d", size)

		var buf buffer.Stack
		buf.Push(frame)
		got := decodeAll(t, NewDecoder(testRegistry(t)), &buf)
		require.Len(t, got, 1)
		if size == 0 {
			assert.Empty(t, got[0].Payload.(*blob).Data)
		} else {
			assert.Equal(t, ev, got[0])
		}
	}
}

func TestInterleavedChunks(t *testing.T) {
	a := &event.Event{Type: typeBlob, Source: 1, Payload: &blob{Data: bytes.Repeat([]byte{'a'}, MaxChunkSize+3)}}
	b := &event.Event{Type: typeBlob, Source: 2, Payload: &blob{Data: bytes.Repeat([]byte{'b'}, MaxChunkSize+4)}}

	fa, err := Encode(a)
	require.NoError(t, err)
	fb, err := Encode(b)
	require.NoError(t, err)

	firstLen := HeaderSize + MaxChunkSize
	var buf buffer.Stack
	buf.Push(fa[:firstLen])
	buf.Push(fb[:firstLen])
	buf.Push(fa[firstLen:])
	buf.Push(fb[firstLen:])

	d := NewDecoder(testRegistry(t))
	got := decodeAll(t, d, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])
	assert.Equal(t, 0, d.Pending())
}

// decodeEvents decodes until buf needs more data and returns the events and
// the errors met on the way.
func decodeEvents(d *Decoder, buf *buffer.Stack) ([]*event.Event, []error) {
	var evs []*event.Event
	var errs []error
	for {
		ev, err := d.Decode(buf)
		switch {
		case errors.Is(err, cerrors.ErrNeedMoreData):
			return evs, errs
		case err != nil:
			errs = append(errs, err)
		default:
			evs = append(evs, ev)
		}
	}
}

func TestCorruptMiddleChunkDropsEvent(t *testing.T) {
	require.Greater(t, DefaultMaxResyncWindow, HeaderSize+MaxChunkSize)

	big := &event.Event{Type: typeBlob, Source: 9, Payload: &blob{Data: bytes.Repeat([]byte{0x5A}, 2*MaxChunkSize+10)}}
	frame, err := Encode(big)
	require.NoError(t, err)
	follow, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 7}})
	require.NoError(t, err)

	firstLen := HeaderSize + MaxChunkSize
	frame[firstLen+HeaderSize+100] ^= 0x04

	var buf buffer.Stack
	buf.Push(frame)
	buf.Push(follow)

	d := NewDecoder(testRegistry(t))
	got, errs := decodeEvents(d, &buf)

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], cerrors.ErrFraming))
	require.Len(t, got, 1, "no part of the damaged event is delivered")
	assert.Equal(t, typeValue, got[0].Type)
	assert.Equal(t, int32(7), got[0].Payload.(*value).V)
	assert.Equal(t, 0, d.Pending())
	assert.False(t, d.Resyncing())
	assert.Equal(t, 0, buf.Size())
}

func TestCorruptChunkDropsInterleavedEvents(t *testing.T) {
	a := &event.Event{Type: typeBlob, Source: 1, Payload: &blob{Data: bytes.Repeat([]byte{'a'}, MaxChunkSize+3)}}
	b := &event.Event{Type: typeBlob, Source: 2, Payload: &blob{Data: bytes.Repeat([]byte{'b'}, MaxChunkSize+4)}}
	fa, err := Encode(a)
	require.NoError(t, err)
	fb, err := Encode(b)
	require.NoError(t, err)
	follow, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 11}})
	require.NoError(t, err)

	firstLen := HeaderSize + MaxChunkSize
	fb[HeaderSize+10] ^= 0x01

	var buf buffer.Stack
	buf.Push(fa[:firstLen])
	buf.Push(fb[:firstLen])
	buf.Push(fa[firstLen:])
	buf.Push(fb[firstLen:])
	buf.Push(follow)

	d := NewDecoder(testRegistry(t))
	got, errs := decodeEvents(d, &buf)

	require.Len(t, errs, 1)
	require.Len(t, got, 1)
	assert.Equal(t, int32(11), got[0].Payload.(*value).V)
	assert.Equal(t, 0, d.Pending())
}

func TestResyncSkipsIncompleteCandidate(t *testing.T) {
	bad, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 1}})
	require.NoError(t, err)
	bad[len(bad)-1] ^= 0xFF
	good, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 2}})
	require.NoError(t, err)

	// A header that looks plausible but declares far more payload than will
	// ever follow it.
	fake := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(fake[2:4], 0x4000)
	binary.BigEndian.PutUint32(fake[4:8], uint32(typeValue))

	var buf buffer.Stack
	buf.Push(bad)
	buf.Push(fake)
	buf.Push(good)

	d := NewDecoder(testRegistry(t))
	_, err = d.Decode(&buf)
	require.True(t, errors.Is(err, cerrors.ErrFraming))

	ev, err := d.Decode(&buf)
	require.NoError(t, err, "the complete frame behind the candidate is delivered")
	assert.Equal(t, int32(2), ev.Payload.(*value).V)
	assert.False(t, d.Resyncing())
	assert.Equal(t, 0, buf.Size())
}

func TestMaxEventSize(t *testing.T) {
	ev := &event.Event{Type: typeBlob, Payload: &blob{Data: make([]byte, 3*MaxChunkSize)}}

	_, err := EncodeLimit(ev, 2*MaxChunkSize)
	assert.True(t, errors.Is(err, cerrors.ErrEventSize))

	frame, err := Encode(ev)
	require.NoError(t, err)
	follow, err := Encode(&event.Event{Type: typeValue, Payload: &value{V: 8}})
	require.NoError(t, err)

	var buf buffer.Stack
	buf.Push(frame)
	buf.Push(follow)

	d := NewDecoder(testRegistry(t), WithMaxEventSize(MaxChunkSize))
	var sizeErr error
	var got []*event.Event
	for buf.Size() > 0 {
		ev, err := d.Decode(&buf)
		if err != nil {
			if errors.Is(err, cerrors.ErrNeedMoreData) {
				break
			}
			sizeErr = err
			continue
		}
		got = append(got, ev)
	}
	require.Error(t, sizeErr)
	assert.True(t, errors.Is(sizeErr, cerrors.ErrEventSize))
	// The stream stays in sync: the tail of the oversized event is dropped and
	// the next event decodes.
	require.Len(t, got, 1)
	assert.Equal(t, int32(8), got[0].Payload.(*value).V)
	assert.Equal(t, 0, d.Pending())
}

func TestUnknownTypeRelayedRaw(t *testing.T) {
	unknown := event.MakeType(event.CategoryCorrelation, 7)
	ev := &event.Event{Type: unknown, Source: 1, Payload: &event.Raw{EventType: unknown, Data: []byte{9, 8, 7}}}

	frame, err := Encode(ev)
	require.NoError(t, err)

	var buf buffer.Stack
	buf.Push(frame)
	got, err := NewDecoder(nil).Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, frame, again)
}

func TestEncodeRejectsNil(t *testing.T) {
	_, err := Encode(nil)
	assert.True(t, errors.Is(err, cerrors.ErrInvalidData))
	_, err = Encode(&event.Event{Type: typeValue})
	assert.Error(t, err)
}
