package compression

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTripLZ4(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("trace event stream "), 100)
	if err := WriteFrame(&buf, &LZ4Codec{}, 7, payload); err != nil {
		t.Fatal(err)
	}
	if buf.Len() >= len(payload)+FrameHeaderSize {
		t.Errorf("repetitive payload did not compress: %d >= %d", buf.Len(), len(payload)+FrameHeaderSize)
	}

	executorID, data, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if executorID != 7 {
		t.Errorf("executor ID = %d, want 7", executorID)
	}
	if !bytes.Equal(data, payload) {
		t.Error("payload mismatch after round trip")
	}
	if _, _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("trailing read err = %v, want EOF", err)
	}
}

func TestFrameRoundTripNone(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4}
	if err := WriteFrame(&buf, &NoneCodec{}, 1, payload); err != nil {
		t.Fatal(err)
	}
	_, data, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("payload mismatch")
	}
}

func TestFrameMultipleSequential(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 64)
		if err := WriteFrame(&buf, &LZ4Codec{}, uint32(i), payload); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		executorID, data, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if executorID != uint32(i) || len(data) != 64 || data[0] != byte(i) {
			t.Errorf("frame %d = executor %d, %d bytes", i, executorID, len(data))
		}
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &LZ4Codec{}, 0, []byte("payload goes here")); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	if _, _, err := ReadFrame(truncated); err == nil || err == io.EOF {
		t.Errorf("truncated frame err = %v", err)
	}
}
