// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression selects how write payloads are compressed on the wire.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the configuration name of a compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("fabric: unknown compression %q", name)
	}
}

// errIncompressible means compressing did not shrink the payload; it
// is then sent raw.
var errIncompressible = errors.New("incompressible")

// digestLength is the size of the blake3 digest trailing a payload.
const digestLength = 32

// digestKey separates write digests from any other blake3 use of the
// same bytes.
var digestKey = [32]byte{'f', 'r', 'a', 'm', 'e', 'r', 'e', 'l', 'a', 'y', ' ', 'w', 'r', 'i', 't', 'e'}

// codec holds the per-goroutine compression state of one endpoint
// direction. The writer goroutine owns one, the reader another.
type codec struct {
	scratch []byte
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec(compression Compression) (*codec, error) {
	c := &codec{}
	if compression != CompressionZstd {
		return c, nil
	}
	var err error
	c.encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric: zstd encoder: %w", err)
	}
	return c, nil
}

// compress returns the compressed form of data in scratch memory, or
// errIncompressible.
func (c *codec) compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		c.scratch = grow(c.scratch, bound)
		written, err := lz4.CompressBlock(data, c.scratch, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return c.scratch[:written], nil

	case CompressionZstd:
		c.scratch = c.encoder.EncodeAll(data, c.scratch[:0])
		if len(c.scratch) >= len(data) {
			return nil, errIncompressible
		}
		return c.scratch, nil

	default:
		return nil, errIncompressible
	}
}

// decompress expands data into destination, which must be exactly the
// uncompressed size.
func (c *codec) decompress(data []byte, compression Compression, destination []byte) error {
	if len(destination) == 0 {
		return fmt.Errorf("%s decompress: empty destination", compression)
	}
	switch compression {
	case CompressionLZ4:
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != len(destination) {
			return fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, len(destination))
		}
		return nil

	case CompressionZstd:
		if c.decoder == nil {
			decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return fmt.Errorf("zstd decoder: %w", err)
			}
			c.decoder = decoder
		}
		result, err := c.decoder.DecodeAll(data, destination[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != len(destination) {
			return fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), len(destination))
		}
		if &result[0] != &destination[0] {
			copy(destination, result)
		}
		return nil

	default:
		return fmt.Errorf("unsupported compression %d", compression)
	}
}

func (c *codec) close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

// digest computes the keyed blake3 digest of data.
func digest(data []byte) [digestLength]byte {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("fabric: blake3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var sum [digestLength]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

func grow(buffer []byte, size int) []byte {
	if cap(buffer) >= size {
		return buffer[:size]
	}
	return make([]byte, size)
}
