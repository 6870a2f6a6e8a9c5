package compression

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Trace flush frame format:
//
//	[method_byte (1)] [executor_id (4 LE)] [framed_size (4 LE)] [uncompressed_size (4 LE)] [payload...]
//
// framed_size includes the 13-byte header itself. Each frame carries one
// committed trace batch from a single executor's ring.

// FrameHeaderSize is the fixed frame prefix length.
const FrameHeaderSize = 13

// WriteFrame compresses one trace batch and writes the framed bytes.
func WriteFrame(w io.Writer, codec Codec, executorID uint32, data []byte) error {
	compressed, err := codec.Compress(data)
	if err != nil {
		return err
	}
	frame := make([]byte, FrameHeaderSize+len(compressed))
	frame[0] = codec.MethodByte()
	binary.LittleEndian.PutUint32(frame[1:5], executorID)
	binary.LittleEndian.PutUint32(frame[5:9], uint32(len(frame)))
	binary.LittleEndian.PutUint32(frame[9:13], uint32(len(data)))
	copy(frame[FrameHeaderSize:], compressed)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads and decompresses the next frame. Returns io.EOF cleanly at
// the end of the stream.
func ReadFrame(r io.Reader) (executorID uint32, data []byte, err error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, fmt.Errorf("truncated frame header")
		}
		return 0, nil, err
	}
	methodByte := header[0]
	executorID = binary.LittleEndian.Uint32(header[1:5])
	framedSize := binary.LittleEndian.Uint32(header[5:9])
	uncompressedSize := binary.LittleEndian.Uint32(header[9:13])
	if framedSize < FrameHeaderSize {
		return 0, nil, fmt.Errorf("frame size %d smaller than header", framedSize)
	}

	payload := make([]byte, framedSize-FrameHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("truncated frame payload: %w", err)
	}

	codec, err := codecForMethod(methodByte)
	if err != nil {
		return 0, nil, err
	}
	data, err = codec.Decompress(payload, int(uncompressedSize))
	return executorID, data, err
}
