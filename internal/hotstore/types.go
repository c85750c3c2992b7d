package hotstore

// Meta is the single stream_meta row every hot store owns.
// TailOffset and SegmentStart are both absolute, whole-stream byte
// positions that only ever increase; TailOffset is never reset.
// SegmentStart marks where the current hot segment began, so a
// client-facing offset token's byte field is always TailOffset minus
// SegmentStart. Rotation advances ReadSeq, sets SegmentStart to the
// (unchanged) TailOffset, and zeroes the segment-local counters.
type Meta struct {
	ProjectID        string
	StreamID         string
	ContentType      string
	Closed           bool
	TailOffset       uint64
	ReadSeq          uint64
	SegmentStart     uint64
	SegmentMsgCount  uint64
	SegmentByteCount uint64
	LastStreamSeq    string
	TTLSeconds       *int64
	ExpiresAt        *int64
	CreatedAt        int64
	Public           bool
	RetainOps        bool
	ClosedBy         *ClosedBy
}

// ClosedBy records which producer/epoch/seq closed the stream, so a
// replayed close from the same producer call can be recognized as a
// duplicate rather than re-validated.
type ClosedBy struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// Op is one committed append, stored with the offset range it occupies.
// EndOffset is exclusive: for binary content EndOffset-StartOffset is the
// body's byte length; for JSON content it is always StartOffset+1 (the
// JSON stream's unit of offset is "one flattened message", not bytes).
type Op struct {
	StartOffset   uint64
	EndOffset     uint64
	SizeBytes     uint64
	Body          []byte
	CreatedAt     int64
	StreamSeq     string
	ProducerID    string
	ProducerEpoch *int64
	ProducerSeq   *int64
}

// ProducerRow is one producer's idempotency state.
type ProducerRow struct {
	ProducerID  string
	Epoch       int64
	LastSeq     int64
	LastOffset  uint64
	LastUpdated int64
}

// SegmentRow is one rotated, immutable cold segment's index entry.
type SegmentRow struct {
	ReadSeq      uint64
	ObjectKey    string
	StartOffset  uint64
	EndOffset    uint64
	ContentType  string
	SizeBytes    uint64
	MessageCount uint64
	ExpiresAt    *int64
}
