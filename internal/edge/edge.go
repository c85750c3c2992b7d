// Package edge implements spec.md §4.7–§4.10's stateless request tier:
// the HTTP router that parses `/v1/stream/{projectId}/{streamId}`,
// dispatches auth and CORS, and turns each request into calls against
// internal/sequencer; a content-addressed response cache; and the
// two-layer coalescer that collapses concurrent requests for the same
// URL before they reach the sequencer.
//
// Grounded on the teacher's handler.go end to end — ServeHTTP's method
// dispatch, generateResponseCursor/generateCursor, ETag handling, CORS
// header setup — generalized to call into internal/sequencer instead of
// a direct store.Store, and split into router.go/cache.go/coalesce.go
// along the three concerns spec.md §4.7–§4.9 name separately.
package edge

import (
	"time"

	"github.com/durablelog/durablelog/internal/auth"
	"github.com/durablelog/durablelog/internal/metrics"
	"github.com/durablelog/durablelog/internal/project"
	"github.com/durablelog/durablelog/internal/sequencer"
	"go.uber.org/zap"
)

// Protocol header names, matching spec.md §6.
const (
	HeaderStreamNextOffset    = "Stream-Next-Offset"
	HeaderStreamCursor        = "Stream-Cursor"
	HeaderStreamUpToDate      = "Stream-Up-To-Date"
	HeaderStreamClosed        = "Stream-Closed"
	HeaderStreamWriteTS       = "Stream-Write-Timestamp"
	HeaderStreamSSEEncoding   = "Stream-SSE-Data-Encoding"
	HeaderStreamReaderKey     = "Stream-Reader-Key"
	HeaderStreamSeq           = "Stream-Seq"
	HeaderStreamTTL           = "Stream-TTL"
	HeaderStreamExpiresAt     = "Stream-Expires-At"
	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"
	HeaderXCache              = "X-Cache"
	HeaderXDebugTiming        = "X-Debug-Timing"
	HeaderXDebugCoalesce      = "X-Debug-Coalesce"
	HeaderXDebugAction        = "X-Debug-Action"
)

// DefaultLongPollTimeout matches spec.md §5's 4 s long-poll deadline.
const DefaultLongPollTimeout = 4 * time.Second

// Handler is the edge HTTP tier. One Handler serves every project; the
// project.Registry resolves per-project config (signing secrets,
// default visibility, CORS, reader-key policy) on every request.
type Handler struct {
	Host       *sequencer.Host
	Projects   project.Registry
	Authorizer auth.Authorizer
	Metrics    metrics.Sink
	Logger     *zap.Logger

	Cache     ResponseCache
	Coalescer *Coalescer

	// GlobalOrigins is the deployment-wide CORS allow-list, intersected
	// against each project's own CORSOrigins. Empty means "no
	// deployment-wide restriction beyond the project's own list".
	GlobalOrigins []string

	LongPollTimeout time.Duration
}

// New builds a Handler with sane defaults for the optional fields.
func New(host *sequencer.Host, projects project.Registry, authorizer auth.Authorizer) *Handler {
	return &Handler{
		Host:            host,
		Projects:        projects,
		Authorizer:      authorizer,
		Metrics:         metrics.Noop{},
		Logger:          zap.NewNop(),
		Cache:           NewInMemoryResponseCache(),
		Coalescer:       NewCoalescer(DefaultMaxCoalesceEntries, DefaultCoalesceLinger),
		LongPollTimeout: DefaultLongPollTimeout,
	}
}
