package node

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/calvinalkan/fractaltree/internal/header"
)

// Codec compresses and decompresses one partition's serialized payload.
// Selectable per-tree via Header.CompressionMethod (spec.md §4.D).
type Codec interface {
	Method() header.CompressionMethod
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, uncompressedSize int) ([]byte, error)
}

// CodecFor returns the Codec implementing method.
func CodecFor(method header.CompressionMethod) (Codec, error) {
	switch method {
	case header.CompressionNone:
		return noneCodec{}, nil
	case header.CompressionZstd:
		return zstdCodec{}, nil
	case header.CompressionSnappy:
		return snappyCodec{}, nil
	default:
		return nil, fmt.Errorf("node: unknown compression method %d", method)
	}
}

type noneCodec struct{}

func (noneCodec) Method() header.CompressionMethod { return header.CompressionNone }
func (noneCodec) Compress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}
func (noneCodec) Decompress(src []byte, _ int) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

// zstdCodec is the default, high-ratio partition codec (SPEC_FULL.md
// Domain Stack #1), grounded on the pack's storage-engine repos that all
// reach for klauspost/compress as their block codec.
type zstdCodec struct{}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder

	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})

	return zstdEnc
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})

	return zstdDec
}

func (zstdCodec) Method() header.CompressionMethod { return header.CompressionZstd }

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	return getZstdEncoder().EncodeAll(src, nil), nil
}

func (zstdCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	return getZstdDecoder().DecodeAll(src, make([]byte, 0, uncompressedSize))
}

// snappyCodec is the fast/low-ratio alternative (SPEC_FULL.md Domain
// Stack #1), used for hot, latency-sensitive partitions where zstd's
// ratio isn't worth its extra CPU.
type snappyCodec struct{}

func (snappyCodec) Method() header.CompressionMethod { return header.CompressionSnappy }

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, 0, uncompressedSize)
	return snappy.Decode(dst, src)
}
