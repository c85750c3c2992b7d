// Package offset implements the opaque offset token used to address
// positions within a stream: "RRRRRRRRRRRRRRRR_BBBBBBBBBBBBBBBB", two
// 16-digit zero-padded decimals separated by an underscore. The first
// field is the read sequence (which cold segment, or the current hot
// segment); the second is the byte offset within that segment.
//
// Lexicographic ordering of the formatted string equals numeric ordering
// across both fields, which is what lets the edge cache and CDN layers
// treat offsets as opaque sortable strings.
package offset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidOffset is returned for any malformed or out-of-range token.
var ErrInvalidOffset = errors.New("invalid offset")

// Offset is a position within a stream: the read sequence of the segment
// (hot or cold) it falls in, and the byte offset within that segment.
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// Zero is offset (0, 0) — the start of a stream.
var Zero = Offset{}

const fieldWidth = 16
const maxSafeInt = uint64(1)<<53 - 1 // matches spec's "safe integer range"

// String renders the offset as its wire token.
func (o Offset) String() string {
	return fmt.Sprintf("%0*d_%0*d", fieldWidth, o.ReadSeq, fieldWidth, o.ByteOffset)
}

// IsZero reports whether this is the start-of-stream offset.
func (o Offset) IsZero() bool {
	return o == Zero
}

// Add returns a new offset with byteCount added to ByteOffset, same
// ReadSeq. Used when appending within the current hot segment.
func (o Offset) Add(byteCount uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + byteCount}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b, comparing ReadSeq first and then ByteOffset.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq < b.ReadSeq:
		return -1
	case a.ReadSeq > b.ReadSeq:
		return 1
	case a.ByteOffset < b.ByteOffset:
		return -1
	case a.ByteOffset > b.ByteOffset:
		return 1
	default:
		return 0
	}
}

// LessThan reports whether o sorts before other.
func (o Offset) LessThan(other Offset) bool { return Compare(o, other) < 0 }

// Equal reports whether o and other denote the same position.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }

// Sentinel input values accepted by Parse. Never emitted in a response.
const (
	SentinelFirst = "-1"
	SentinelNow   = "now"
)

// Resolver supplies the stream's current tail and read sequence. Parse
// uses only Tail, to resolve the "now" sentinel. Implemented by the
// stream engine's metadata snapshot.
type Resolver interface {
	Tail() Offset
	CurrentReadSeq() uint64
}

// Parse decodes a wire token or sentinel into an Offset. "-1" resolves to
// Zero; "now" resolves to r.Tail(). Anything else must be the two-field
// zero-padded decimal format; both fields must parse as non-negative
// integers within the safe integer range.
func Parse(s string, r Resolver) (Offset, error) {
	switch s {
	case "", SentinelFirst:
		return Zero, nil
	case SentinelNow:
		return r.Tail(), nil
	}

	readSeqStr, byteOffsetStr, ok := strings.Cut(s, "_")
	if !ok {
		return Offset{}, fmt.Errorf("%w: missing separator", ErrInvalidOffset)
	}
	if readSeqStr == "" || byteOffsetStr == "" {
		return Offset{}, fmt.Errorf("%w: empty field", ErrInvalidOffset)
	}
	if !allDigits(readSeqStr) || !allDigits(byteOffsetStr) {
		return Offset{}, fmt.Errorf("%w: non-digit character", ErrInvalidOffset)
	}

	readSeq, err := strconv.ParseUint(readSeqStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: read sequence: %v", ErrInvalidOffset, err)
	}
	byteOffset, err := strconv.ParseUint(byteOffsetStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: byte offset: %v", ErrInvalidOffset, err)
	}
	if readSeq > maxSafeInt || byteOffset > maxSafeInt {
		return Offset{}, fmt.Errorf("%w: exceeds safe integer range", ErrInvalidOffset)
	}

	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SafeIntMax is exported for callers that need to validate counters
// (e.g. ops table aggregates) against the same bound offsets use.
const SafeIntMax = maxSafeInt
