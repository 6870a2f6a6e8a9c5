// Package compression frames committed trace batches for transport off the
// device. LZ4 block compression keeps flush interrupts cheap; the none codec
// exists for debugging the stream.
package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses trace batches.
type Codec interface {
	// MethodByte returns the single-byte codec identifier written into the
	// frame header.
	MethodByte() byte
	Compress(batch []byte) ([]byte, error)
	Decompress(payload []byte, batchSize int) ([]byte, error)
}

// Frame method bytes.
const (
	MethodNone byte = 0x00
	MethodLZ4  byte = 0x01
)

// codecForMethod resolves a frame's method byte when reading.
func codecForMethod(method byte) (Codec, error) {
	switch method {
	case MethodLZ4:
		return &LZ4Codec{}, nil
	case MethodNone:
		return &NoneCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression method: %#02x", method)
	}
}

// LZ4Codec applies LZ4 block compression to a trace batch. A batch that does
// not shrink is stored raw; the frame's size fields disambiguate on read.
type LZ4Codec struct{}

func (c *LZ4Codec) MethodByte() byte { return MethodLZ4 }

func (c *LZ4Codec) Compress(batch []byte) ([]byte, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	payload := make([]byte, lz4.CompressBlockBound(len(batch)))
	n, err := lz4.CompressBlock(batch, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("compress trace batch: %w", err)
	}
	if n == 0 {
		// Batch did not shrink; carry it uncompressed.
		return append([]byte(nil), batch...), nil
	}
	return payload[:n], nil
}

func (c *LZ4Codec) Decompress(payload []byte, batchSize int) ([]byte, error) {
	if batchSize == 0 {
		return nil, nil
	}
	if len(payload) == batchSize {
		// Stored raw by the incompressible path above.
		return append([]byte(nil), payload...), nil
	}
	batch := make([]byte, batchSize)
	n, err := lz4.UncompressBlock(payload, batch)
	if err != nil {
		return nil, fmt.Errorf("decompress trace batch: %w", err)
	}
	if n != batchSize {
		return nil, fmt.Errorf("decompress trace batch: got %d bytes, frame declared %d", n, batchSize)
	}
	return batch, nil
}

// NoneCodec passes batches through untouched.
type NoneCodec struct{}

func (c *NoneCodec) MethodByte() byte { return MethodNone }

func (c *NoneCodec) Compress(batch []byte) ([]byte, error) {
	return append([]byte(nil), batch...), nil
}

func (c *NoneCodec) Decompress(payload []byte, batchSize int) ([]byte, error) {
	if len(payload) != batchSize {
		return nil, fmt.Errorf("raw trace batch is %d bytes, frame declared %d", len(payload), batchSize)
	}
	return append([]byte(nil), payload...), nil
}
