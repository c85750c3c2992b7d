package segment

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := WriteFrame(&buf, []byte{}); err != nil {
		t.Fatalf("WriteFrame empty: %v", err)
	}

	got1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if string(got1) != "hello" {
		t.Fatalf("got %q", got1)
	}

	got2, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if len(got2) != 0 {
		t.Fatalf("expected empty frame, got %q", got2)
	}
}

func TestEncodeDecode(t *testing.T) {
	messages := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	data, err := Encode(messages)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != len(messages) {
		t.Fatalf("got %d frames, want %d", len(decoded), len(messages))
	}
	for i := range messages {
		if !bytes.Equal(decoded[i], messages[i]) {
			t.Errorf("frame %d = %q, want %q", i, decoded[i], messages[i])
		}
	}
}

func TestReadFrameTruncated(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0})); err == nil {
		t.Fatal("expected error on truncated prefix")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 5, 'a'})); err == nil {
		t.Fatal("expected error on truncated body")
	}
}

func TestDecodeEmpty(t *testing.T) {
	frames, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
}
