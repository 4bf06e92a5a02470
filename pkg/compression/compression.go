// Package compression provides the pluggable block compressor capability.
// Every data block records the type tag of the codec that produced it, so a
// store may mix algorithms across levels and compaction generations.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type is the 1-byte codec tag persisted with each block.
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
)

// Compressor turns a decoded block into its on-disk representation and back.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Type() Type
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

// ByType returns the compressor for a persisted block tag.
func ByType(t Type) (Compressor, error) {
	switch t {
	case None:
		return noneCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case Zstd:
		return zstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

// ByName resolves a config-level codec name.
func ByName(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return noneCompressor{}, nil
	case "snappy":
		return snappyCompressor{}, nil
	case "zstd":
		return zstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

type noneCompressor struct{}

func (noneCompressor) Type() Type { return None }

func (noneCompressor) Compress(src []byte) []byte { return src }

func (noneCompressor) Decompress(src []byte) ([]byte, error) { return src, nil }

type snappyCompressor struct{}

func (snappyCompressor) Type() Type { return Snappy }

func (snappyCompressor) Compress(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

type zstdCompressor struct{}

func (zstdCompressor) Type() Type { return Zstd }

func (zstdCompressor) Compress(src []byte) []byte {
	return zstdEncoder.EncodeAll(src, nil)
}

func (zstdCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
