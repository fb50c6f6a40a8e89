package event

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/c360/bbdobroker/errors"
)

// Encoder appends payload fields in network byte order. The first failure is
// kept and every later call is a no-op.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder returns an Encoder appending to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded fields.
func (e *Encoder) Bytes() []byte { return e.buf }

// Err returns the first encoding failure.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) Uint8(v uint8) {
	if e.err == nil {
		e.buf = append(e.buf, v)
	}
}

func (e *Encoder) Uint16(v uint16) {
	if e.err == nil {
		e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	}
}

func (e *Encoder) Uint32(v uint32) {
	if e.err == nil {
		e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	}
}

func (e *Encoder) Uint64(v uint64) {
	if e.err == nil {
		e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	}
}

func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

func (e *Encoder) Float64(v float64) { e.Uint64(math.Float64bits(v)) }

// Bool writes one byte, 1 for true.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

// Time writes Unix seconds as int64. The zero Time encodes as 0.
func (e *Encoder) Time(v time.Time) {
	if v.IsZero() {
		e.Int64(0)
		return
	}
	e.Int64(v.Unix())
}

// Str writes a uint16 length prefix followed by the UTF-8 bytes.
func (e *Encoder) Str(v string) {
	if e.err != nil {
		return
	}
	if len(v) > math.MaxUint16 {
		e.err = errors.WrapInvalid(fmt.Errorf("%w: string of %d bytes", errors.ErrEventSize, len(v)),
			"Encoder", "Str", "encode string")
		return
	}
	e.Uint16(uint16(len(v)))
	e.buf = append(e.buf, v...)
}

// Raw appends b verbatim.
func (e *Encoder) Raw(b []byte) {
	if e.err == nil {
		e.buf = append(e.buf, b...)
	}
}

// Decoder reads payload fields written by Encoder. A short read records
// ErrParsingFailed, returns zero values from then on and is reported by Err.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder reads fields from buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.Remaining() < n {
		d.err = errors.WrapInvalid(
			fmt.Errorf("%w: need %d bytes at offset %d, have %d", errors.ErrParsingFailed, n, d.off, d.Remaining()),
			"Decoder", "take", "decode field")
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) Uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) Uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) Float64() float64 { return math.Float64frombits(d.Uint64()) }

func (d *Decoder) Bool() bool { return d.Uint8() != 0 }

// Time reads Unix seconds. 0 decodes to the zero Time.
func (d *Decoder) Time() time.Time {
	s := d.Int64()
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

// Str reads a uint16 length-prefixed string.
func (d *Decoder) Str() string {
	n := d.Uint16()
	if b := d.take(int(n)); b != nil {
		return string(b)
	}
	return ""
}

// Rest consumes and returns every unread byte.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.off:]
	d.off = len(d.buf)
	return b
}

// EncodePayload serializes p's fields.
func EncodePayload(p Payload) ([]byte, error) {
	e := NewEncoder(nil)
	p.EncodeFields(e)
	if err := e.Err(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodePayload fills p from data. Trailing bytes are ignored so newer peers
// can append fields.
func DecodePayload(p Payload, data []byte) error {
	d := NewDecoder(data)
	if err := p.DecodeFields(d); err != nil {
		return err
	}
	return d.Err()
}
