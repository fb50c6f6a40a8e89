package bbdo

import (
	"encoding/binary"

	"github.com/sigurn/crc16"

	"github.com/c360/bbdobroker/event"
)

const (
	// HeaderSize is the fixed length of a frame header.
	HeaderSize = 16

	// MaxChunkSize is the largest payload one frame carries. A frame of exactly
	// this size is always followed by another chunk of the same event.
	MaxChunkSize = 0xFFFF

	// DefaultMaxEventSize bounds reassembled payloads.
	DefaultMaxEventSize = 16 << 20

	// DefaultMaxResyncWindow bounds the bytes discarded by one resync. It
	// exceeds one full frame so a damaged chunk can be skipped.
	DefaultMaxResyncWindow = 128 << 10
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Header is the fixed frame prefix.
type Header struct {
	Checksum    uint16
	Size        uint16
	Type        event.Type
	Source      uint32
	Destination uint32
}

// parseHeader reads a header from the first HeaderSize bytes of b.
func parseHeader(b []byte) Header {
	return Header{
		Checksum:    binary.BigEndian.Uint16(b[0:2]),
		Size:        binary.BigEndian.Uint16(b[2:4]),
		Type:        event.Type(binary.BigEndian.Uint32(b[4:8])),
		Source:      binary.BigEndian.Uint32(b[8:12]),
		Destination: binary.BigEndian.Uint32(b[12:16]),
	}
}

// appendFrame appends one frame carrying chunk to dst and fills in its checksum.
func appendFrame(dst []byte, t event.Type, src, dst32 uint32, chunk []byte) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint16(dst, 0)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(chunk)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(t))
	dst = binary.BigEndian.AppendUint32(dst, src)
	dst = binary.BigEndian.AppendUint32(dst, dst32)
	dst = append(dst, chunk...)
	binary.BigEndian.PutUint16(dst[start:], checksum(dst[start:]))
	return dst
}

// checksum covers everything after the checksum field: the rest of the
// header and the declared payload. frame must hold the whole frame.
func checksum(frame []byte) uint16 {
	return crc16.Checksum(frame[2:], crcTable)
}

// frameValid reports whether the complete frame at the start of b carries a
// correct checksum.
func frameValid(b []byte, h Header) bool {
	n := HeaderSize + int(h.Size)
	return checksum(b[:n]) == h.Checksum
}
