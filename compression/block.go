// Package compression implements the COMPRESSION stream extension: a byte
// stream layer that ships written data as self-describing compressed blocks.
//
// Block layout, big-endian:
//
//	uint32 compressed_len | uint8 algorithm | uint32 raw_len | compressed bytes
//
// Blocks that do not shrink are sent with AlgorithmNone.
package compression

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/bbdobroker/errors"
)

// Algorithm identifies how a block is compressed. Values are wire constants.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = 0
	AlgorithmLZ4  Algorithm = 1
	AlgorithmZstd Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm reads the configuration spelling. Empty means zstd.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return AlgorithmZstd, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "none":
		return AlgorithmNone, nil
	}
	return AlgorithmNone, errors.WrapInvalid(
		fmt.Errorf("%w: unknown compression algorithm %q", errors.ErrInvalidConfig, name),
		"compression", "ParseAlgorithm", "parse algorithm")
}

const (
	// BlockHeaderSize is the fixed prefix of every block.
	BlockHeaderSize = 9

	// MaxBlockSize caps the raw bytes carried by one block. Larger writes
	// are split.
	MaxBlockSize = 256 << 10

	// minCompressSize is the smallest block worth compressing.
	minCompressSize = 64
)

// maxCompressedSize bounds compressed_len on the read side. Anything larger
// can only come from a corrupt or foreign stream.
var maxCompressedSize = max(lz4.CompressBlockBound(MaxBlockSize), MaxBlockSize+MaxBlockSize/8)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compression: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxBlockSize)*4))
	if err != nil {
		panic("compression: zstd decoder initialization failed: " + err.Error())
	}
}

// AppendBlock appends data as one block compressed with algo. It falls back
// to AlgorithmNone when compression does not shrink the data.
func AppendBlock(dst, data []byte, algo Algorithm) ([]byte, error) {
	if len(data) > MaxBlockSize {
		return dst, errors.WrapInvalid(
			fmt.Errorf("%w: block of %d bytes exceeds %d", errors.ErrEventSize, len(data), MaxBlockSize),
			"compression", "AppendBlock", "build block")
	}

	payload, used, err := compress(data, algo)
	if err != nil {
		return dst, err
	}

	var hdr [BlockHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(used)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(data)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// ParseBlock decodes the block at the start of src. It returns the raw
// bytes, the number of bytes of src consumed, and errors.ErrNeedMoreData when
// src holds less than a full block.
func ParseBlock(src []byte) ([]byte, int, error) {
	if len(src) < BlockHeaderSize {
		return nil, 0, errors.ErrNeedMoreData
	}
	clen := int(binary.BigEndian.Uint32(src[0:4]))
	algo := Algorithm(src[4])
	rawLen := int(binary.BigEndian.Uint32(src[5:9]))

	if clen > maxCompressedSize || rawLen > MaxBlockSize {
		return nil, 0, errors.WrapInvalid(
			fmt.Errorf("%w: block header claims %d compressed, %d raw bytes", errors.ErrInvalidData, clen, rawLen),
			"compression", "ParseBlock", "read block header")
	}
	if len(src) < BlockHeaderSize+clen {
		return nil, 0, errors.ErrNeedMoreData
	}

	raw, err := decompress(src[BlockHeaderSize:BlockHeaderSize+clen], algo, rawLen)
	if err != nil {
		return nil, 0, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, err),
			"compression", "ParseBlock", "decompress "+algo.String())
	}
	return raw, BlockHeaderSize + clen, nil
}

func compress(data []byte, algo Algorithm) ([]byte, Algorithm, error) {
	if len(data) < minCompressSize {
		return data, AlgorithmNone, nil
	}

	switch algo {
	case AlgorithmNone:
		return data, AlgorithmNone, nil

	case AlgorithmLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, algo, errors.Wrap(err, "compression", "compress", "lz4 compress")
		}
		// CompressBlock returns 0 for incompressible input.
		if n == 0 || n >= len(data) {
			return data, AlgorithmNone, nil
		}
		return dst[:n], AlgorithmLZ4, nil

	case AlgorithmZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, AlgorithmNone, nil
		}
		return out, AlgorithmZstd, nil
	}
	return nil, algo, errors.WrapInvalid(fmt.Errorf("unsupported algorithm %s", algo),
		"compression", "compress", "select algorithm")
}

func decompress(payload []byte, algo Algorithm, rawLen int) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("uncompressed block: size %d does not match expected %d", len(payload), rawLen)
		}
		return append([]byte(nil), payload...), nil

	case AlgorithmLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawLen)
		}
		return dst, nil

	case AlgorithmZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported algorithm %s", algo)
}
