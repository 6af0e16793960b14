// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm of an archive
// body. Tags are stored in the archive header (1 byte); these values
// are format constants and changing them breaks archive compatibility.
type CompressionTag uint8

const (
	// CompressionNone indicates an uncompressed body. Chosen when
	// neither zstd nor LZ4 makes the payload smaller.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression, the fallback
	// when zstd does not shrink the payload.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at the default level, the
	// preferred codec for transcript payloads (text-heavy JSON).
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transcript: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transcript: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBody compresses the archive plaintext, preferring zstd and
// falling back to LZ4, then to none, when the output is not smaller
// than the input.
func compressBody(plaintext []byte) ([]byte, CompressionTag) {
	if compressed := zstdEncoder.EncodeAll(plaintext, nil); len(compressed) < len(plaintext) {
		return compressed, CompressionZstd
	}

	bound := lz4.CompressBlockBound(len(plaintext))
	destination := make([]byte, bound)
	written, err := lz4.CompressBlock(plaintext, destination, nil)
	// CompressBlock returns 0 when it determines the data is
	// incompressible.
	if err == nil && written > 0 && written < len(plaintext) {
		return destination[:written], CompressionLZ4
	}

	return plaintext, CompressionNone
}

// decompressBody reverses compressBody. The uncompressed size comes
// from the archive header and must match the output exactly.
func decompressBody(body []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(body) != uncompressedSize {
			return nil, fmt.Errorf("transcript: uncompressed body is %d bytes, header claims %d", len(body), uncompressedSize)
		}
		return body, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("transcript: lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("transcript: lz4 decompress produced %d bytes, header claims %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("transcript: zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("transcript: zstd decompress produced %d bytes, header claims %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("transcript: unsupported compression tag %d", tag)
	}
}
