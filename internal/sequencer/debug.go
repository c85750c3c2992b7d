package sequencer

// DebugActionKind enumerates the test-tooling actions spec.md §4.6
// requires, gated behind the debugactions build tag so production
// builds never link them in.
type DebugActionKind int

const (
	DebugForceRotate DebugActionKind = iota
	DebugSetProducerAge
	DebugGetOpsCount
	DebugTruncateLatestSegment
)

// DebugAction is a debug entry's request. Only the fields relevant to
// Kind are read.
type DebugAction struct {
	Kind DebugActionKind

	// DebugSetProducerAge
	ProducerID string
	AgeSeconds int64

	// DebugForceRotate
	ForceEvenIfEmpty bool
}

// DebugResult is a debug entry's response. Only the fields relevant to
// the request's Kind are populated.
type DebugResult struct {
	Rotated  bool
	OpsCount int64
	OpsBytes int64
}
