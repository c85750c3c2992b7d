// Package engine implements the stream state machine: create, append,
// close, read, and segment rotation. One Engine instance is bound to one
// stream's hotstore.DB (and the shared blobstore.Store for cold
// segments); the sequencer host is what keeps mutating calls from
// overlapping (see internal/sequencer) — this package assumes it is
// never called concurrently for the same stream.
//
// Grounded on the teacher's store/memory_store.go (Create/Append/Read,
// JSON array flattening) and store/segment.go (rotation framing),
// generalized from an in-memory slice-per-stream to hotstore-backed
// persistence with content-type-driven offset arithmetic.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/durablelog/durablelog/internal/blobstore"
	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/offset"
	"github.com/durablelog/durablelog/internal/producer"
	"github.com/durablelog/durablelog/internal/segment"
)

var (
	ErrStreamNotFound    = errors.New("engine: stream not found")
	ErrConfigMismatch    = errors.New("engine: idempotent create config mismatch")
	ErrInvalidTTL        = errors.New("engine: invalid TTL/Expires-At combination")
	ErrQuotaExceeded     = errors.New("engine: hot storage quota exceeded")
	ErrAppendTooLarge    = errors.New("engine: append body exceeds max size")
	ErrContentLengthMismatch = errors.New("engine: content-length does not match body")
	ErrContentTypeMismatch   = errors.New("engine: content-type mismatch")
	ErrStreamClosed      = errors.New("engine: stream is closed")
	ErrEmptyAppend       = errors.New("engine: append body must be non-empty")
	ErrInvalidJSON       = errors.New("engine: invalid JSON body")
	ErrEmptyJSONArray    = errors.New("engine: empty JSON array not allowed on append")
	ErrStreamSeqRegressed = errors.New("engine: Stream-Seq did not strictly increase")
	ErrOffsetMidMessage  = errors.New("engine: offset falls mid-message")
	ErrPartialProducer   = errors.New("engine: producer headers must be all-or-none")
	ErrCloseMismatch     = errors.New("engine: close replay does not match prior close")

	// ErrStaleEpoch, ErrInvalidEpochSeq, ErrSeqGap re-export the
	// producer package's sentinels so callers only need to import engine.
	ErrStaleEpoch      = producer.ErrStaleEpoch
	ErrInvalidEpochSeq = producer.ErrInvalidEpochSeq
	ErrSeqGap          = producer.ErrSeqGap
)

// ProducerError wraps one of ErrStaleEpoch/ErrInvalidEpochSeq/ErrSeqGap
// with the decision fields spec.md §4.3 requires in the response
// headers (Producer-Epoch on a stale-epoch fence, Producer-Expected-Seq
// / Producer-Received-Seq on a sequence gap).
type ProducerError struct {
	Err          error
	ExpectedSeq  int64
	ReceivedSeq  int64
	CurrentEpoch int64
}

func (e *ProducerError) Error() string { return e.Err.Error() }
func (e *ProducerError) Unwrap() error { return e.Err }

// Notifier is how the engine tells the rest of the system that a
// stream's tail moved. internal/fanout implements this; engine depends
// only on the interface to avoid an import cycle.
type Notifier interface {
	NotifyAppend(ctx context.Context, tail offset.Offset, writeTimestamp int64, closed bool)
	NotifyClose(ctx context.Context)
}

// noopNotifier is used when an Engine is constructed without fan-out
// wiring (e.g. in tests that only exercise storage behavior).
type noopNotifier struct{}

func (noopNotifier) NotifyAppend(context.Context, offset.Offset, int64, bool) {}
func (noopNotifier) NotifyClose(context.Context)                             {}

// Config bounds resource usage per spec.md §5's resource policy.
type Config struct {
	MaxAppendBytes       uint64
	MaxReadChunkBytes    uint64
	QuotaBytes           uint64
	QuotaRejectFraction  float64
	SegmentMaxMessages   uint64
	SegmentMaxBytes      uint64
}

// DefaultConfig matches spec.md §5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxAppendBytes:      8 * 1024 * 1024,
		MaxReadChunkBytes:   256 * 1024,
		QuotaBytes:          10 * 1024 * 1024 * 1024,
		QuotaRejectFraction: 0.90,
		SegmentMaxMessages:  100_000,
		SegmentMaxBytes:     64 * 1024 * 1024,
	}
}

// Engine is the stream state machine bound to one stream's storage.
type Engine struct {
	db       *hotstore.DB
	blobs    blobstore.Store
	streamID string
	notifier Notifier
	cfg      Config
	now      func() time.Time
	rotating bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithNotifier wires the engine to a fan-out notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the engine's time source — used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New binds an Engine to a stream's hot store and the shared cold blob
// store. streamID is used to derive segment object keys on rotation.
func New(db *hotstore.DB, blobs blobstore.Store, streamID string, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		blobs:    blobs,
		streamID: streamID,
		notifier: noopNotifier{},
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DB exposes the engine's underlying hot store for test and debug
// tooling (internal/sequencer's build-tagged debug actions) that needs
// to inspect or mutate state the normal Create/Append/Read/Rotate
// surface doesn't.
func (e *Engine) DB() *hotstore.DB { return e.db }

// NormalizeContentType lower-cases and strips parameters from a
// Content-Type header value, keeping only the media type — the form
// stored on stream_meta and compared against for every append.
func NormalizeContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return strings.ToLower(mt)
}

// IsJSONContentType reports whether a normalized content type uses
// message-count offset arithmetic (vs. byte-count for everything else).
func IsJSONContentType(normalizedCT string) bool {
	return normalizedCT == "application/json"
}

func segmentObjectKey(streamID string, readSeq uint64) string {
	return fmt.Sprintf("%s_%020d", base64.RawURLEncoding.EncodeToString([]byte(streamID)), readSeq)
}

func unitEnd(normalizedCT string, start uint64, sizeBytes uint64) uint64 {
	if IsJSONContentType(normalizedCT) {
		return start + 1
	}
	return start + sizeBytes
}

// tailToken converts the stream's absolute tail offset (as stored in
// hotstore, monotonic across rotations) into the client-facing offset
// token, whose ByteOffset is relative to the current hot segment's
// absolute start. See spec.md §4.1's resolveOffset for the inverse.
func tailToken(readSeq, segmentStart, absoluteTail uint64) offset.Offset {
	return offset.Offset{ReadSeq: readSeq, ByteOffset: absoluteTail - segmentStart}
}
