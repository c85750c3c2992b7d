package engine

import (
	"context"
	"fmt"

	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/segment"
)

// rotating is a sequencer-local guard against overlapping rotations on
// the same stream (spec.md §4.4 point 4). The sequencer host never
// calls Rotate concurrently for one stream in the first place, but this
// flag makes that invariant explicit and cheap to check.
//
// Kept as a field on Engine rather than a package-level map because one
// Engine already maps 1:1 to one stream.
func (e *Engine) rotationInFlight() bool { return e.rotating }

// Rotate checks whether the current hot segment has crossed its
// message/byte thresholds (or force is set) and, if so, snapshots it to
// a cold segment in the blob store and advances the stream to a fresh
// hot segment. Called opportunistically after every append and forcibly
// on close.
func (e *Engine) Rotate(ctx context.Context, force bool) (bool, error) {
	if e.rotationInFlight() {
		return false, nil
	}

	meta, err := e.db.GetMeta(ctx)
	if err != nil {
		return false, fmt.Errorf("engine: rotate: get meta: %w", err)
	}

	triggered := force ||
		meta.SegmentMsgCount >= e.cfg.SegmentMaxMessages ||
		meta.SegmentByteCount >= e.cfg.SegmentMaxBytes
	if !triggered || meta.SegmentMsgCount == 0 {
		return false, nil
	}

	e.rotating = true
	defer func() { e.rotating = false }()

	// Bounded to this segment's own range: with retainOps=true, ops from
	// earlier, already-rotated segments are still sitting in the table,
	// and an unbounded select would re-encode them into this segment's
	// blob too.
	ops, err := e.db.SelectOpsRange(ctx, meta.SegmentStart, meta.TailOffset)
	if err != nil {
		return false, fmt.Errorf("engine: rotate: select ops: %w", err)
	}
	if len(ops) == 0 {
		return false, nil
	}

	bodies := make([][]byte, len(ops))
	var totalBytes uint64
	for i, op := range ops {
		bodies[i] = op.Body
		totalBytes += op.SizeBytes
	}

	encoded, err := segment.Encode(bodies)
	if err != nil {
		return false, fmt.Errorf("engine: rotate: encode segment: %w", err)
	}

	key := segmentObjectKey(e.streamID, meta.ReadSeq)
	if err := e.blobs.Put(key, encoded); err != nil {
		return false, fmt.Errorf("engine: rotate: write blob: %w", err)
	}

	segRow := hotstore.SegmentRow{
		ReadSeq:      meta.ReadSeq,
		ObjectKey:    key,
		StartOffset:  meta.SegmentStart,
		EndOffset:    meta.TailOffset,
		ContentType:  meta.ContentType,
		SizeBytes:    totalBytes,
		MessageCount: uint64(len(ops)),
	}

	stmts := []hotstore.Stmt{
		hotstore.InsertSegment(segRow),
		hotstore.RotateHotSegment(meta.ReadSeq + 1),
	}
	if !meta.RetainOps {
		stmts = append(stmts, hotstore.DeleteOpsRange(meta.SegmentStart, meta.TailOffset))
	}

	if err := e.db.Batch(ctx, stmts...); err != nil {
		return false, fmt.Errorf("engine: rotate: commit: %w", err)
	}

	return true, nil
}
