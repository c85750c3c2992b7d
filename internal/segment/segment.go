// Package segment implements the cold-segment wire format: a sequence of
// length-prefixed frames, no header, no trailer. Each frame is
// [4-byte big-endian length][length bytes of body]. One frame per
// committed op in the range the segment covers.
//
// Grounded on the teacher's store/segment.go, generalized to write into
// any io.Writer (the blob store's object body) instead of a local file.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const lengthPrefixSize = 4

// MaxFrameSize bounds a single frame's body to guard against corrupt
// length prefixes causing unbounded allocation on decode.
const MaxFrameSize = 64 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned by WriteFrame when a body exceeds
	// MaxFrameSize. ReadFrame reports an oversized length prefix as
	// ErrCorrupt instead.
	ErrFrameTooLarge = errors.New("segment: frame too large")
	// ErrCorrupt is returned when a segment's framing cannot be decoded.
	ErrCorrupt = errors.New("segment: corrupt frame")
)

// WriteFrame writes one length-prefixed frame to w and returns the
// number of bytes written (prefix + body).
func WriteFrame(w io.Writer, body []byte) (int, error) {
	if len(body) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	n, err := w.Write(prefix[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(body)
	return n + n2, err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, ErrCorrupt
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Encode writes every message in messages as a frame, in order, and
// returns the encoded bytes. Used by the stream engine's rotation step
// to build the blob body handed to the blob store.
func Encode(messages [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range messages {
		if _, err := WriteFrame(&buf, m); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode splits a segment's raw bytes back into its component frame
// bodies, in order.
func Decode(data []byte) ([][]byte, error) {
	r := bytes.NewReader(data)
	var out [][]byte
	for {
		frame, err := ReadFrame(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, frame)
	}
}

