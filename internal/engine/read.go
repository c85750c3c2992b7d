package engine

import (
	"context"
	"fmt"

	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/offset"
	"github.com/durablelog/durablelog/internal/segment"
)

// ReadRequest is a decoded GET request.
type ReadRequest struct {
	Offset        offset.Offset
	MaxChunkBytes uint64
}

// ReadResult is readFromOffset's return value per spec.md §4.4.
type ReadResult struct {
	Body           []byte
	NextOffset     offset.Offset
	UpToDate       bool
	ClosedAtTail   bool
	WriteTimestamp int64
	HasData        bool
}

// Read implements spec.md §4.4's readFromOffset algorithm: serve from
// the hot log when possible, falling back to a cold segment's blob when
// the requested offset predates the current hot segment.
func (e *Engine) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	meta, err := e.db.GetMeta(ctx)
	if err == hotstore.ErrNotFound {
		return ReadResult{}, ErrStreamNotFound
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("engine: read: get meta: %w", err)
	}

	maxChunk := req.MaxChunkBytes
	if maxChunk == 0 {
		maxChunk = e.cfg.MaxReadChunkBytes
	}

	isJSON := IsJSONContentType(meta.ContentType)

	abs, fromCurrentSegment, err := e.resolveAbsolute(ctx, meta, req.Offset)
	if err != nil {
		return ReadResult{}, err
	}

	if fromCurrentSegment && abs == meta.TailOffset {
		body := []byte{}
		if isJSON {
			body = []byte("[]")
		}
		return ReadResult{
			Body:         body,
			NextOffset:   req.Offset,
			UpToDate:     true,
			ClosedAtTail: meta.Closed,
			HasData:      false,
		}, nil
	}

	if fromCurrentSegment {
		return e.readFromHotLog(ctx, meta, abs, maxChunk, isJSON)
	}
	return e.readFromColdSegment(ctx, meta, req.Offset, abs, maxChunk, isJSON)
}

// resolveAbsolute implements spec.md §4.1's resolveOffset: map a token
// to an absolute whole-stream byte position, and report whether that
// position falls in the current hot segment.
func (e *Engine) resolveAbsolute(ctx context.Context, meta hotstore.Meta, tok offset.Offset) (abs uint64, fromCurrentSegment bool, err error) {
	if tok.ReadSeq > meta.ReadSeq {
		return 0, false, offset.ErrInvalidOffset
	}
	if tok.ReadSeq == meta.ReadSeq {
		abs := meta.SegmentStart + tok.ByteOffset
		if abs > meta.TailOffset {
			return 0, false, offset.ErrInvalidOffset
		}
		return abs, true, nil
	}

	seg, serr := e.db.GetCoveringSegment(ctx, tok.ReadSeq)
	if serr == hotstore.ErrNotFound {
		return 0, false, offset.ErrInvalidOffset
	}
	if serr != nil {
		return 0, false, fmt.Errorf("engine: resolve offset: %w", serr)
	}
	abs = seg.StartOffset + tok.ByteOffset
	if abs > seg.EndOffset {
		abs = seg.EndOffset
	}
	return abs, false, nil
}

func (e *Engine) readFromHotLog(ctx context.Context, meta hotstore.Meta, abs, maxChunk uint64, isJSON bool) (ReadResult, error) {
	start := abs
	if overlap, err := e.db.SelectOverlap(ctx, abs); err == nil {
		if isJSON && overlap.StartOffset != abs {
			return ReadResult{}, ErrOffsetMidMessage
		}
		start = overlap.StartOffset
	} else if err != hotstore.ErrNotFound {
		return ReadResult{}, fmt.Errorf("engine: read: select overlap: %w", err)
	}

	ops, err := e.db.SelectOpsFrom(ctx, start)
	if err != nil {
		return ReadResult{}, fmt.Errorf("engine: read: select ops: %w", err)
	}

	picked, writeTS := pickChunk(ops, maxChunk)
	nextAbs := abs
	var bodies [][]byte
	for _, op := range picked {
		bodies = append(bodies, op.Body)
		nextAbs = op.EndOffset
	}

	body := formatBody(bodies, isJSON)
	nextToken := tailToken(meta.ReadSeq, meta.SegmentStart, nextAbs)

	return ReadResult{
		Body:           body,
		NextOffset:     nextToken,
		UpToDate:       nextAbs == meta.TailOffset,
		ClosedAtTail:   nextAbs == meta.TailOffset && meta.Closed,
		WriteTimestamp: writeTS,
		HasData:        len(picked) > 0,
	}, nil
}

func (e *Engine) readFromColdSegment(ctx context.Context, meta hotstore.Meta, tok offset.Offset, abs, maxChunk uint64, isJSON bool) (ReadResult, error) {
	seg, err := e.db.GetCoveringSegment(ctx, tok.ReadSeq)
	if err != nil {
		return ReadResult{}, fmt.Errorf("engine: read: get covering segment: %w", err)
	}

	blob, err := e.blobs.Get(seg.ObjectKey)
	if err != nil {
		return ReadResult{}, fmt.Errorf("engine: read: load segment blob: %w", err)
	}
	frames, err := segment.Decode(blob)
	if err != nil {
		return ReadResult{}, fmt.Errorf("engine: read: decode segment: %w", err)
	}

	// Replay frame offsets: each frame's absolute position follows the
	// same content-type-driven arithmetic as live appends, starting from
	// the segment's recorded StartOffset.
	var picked [][]byte
	cursor := seg.StartOffset
	var nextAbs uint64
	var bytesSoFar uint64
	for _, frame := range frames {
		end := unitEnd(meta.ContentType, cursor, uint64(len(frame)))
		if cursor >= abs {
			if len(picked) > 0 && bytesSoFar+uint64(len(frame)) > maxChunk {
				break
			}
			picked = append(picked, frame)
			bytesSoFar += uint64(len(frame))
			nextAbs = end
		}
		cursor = end
	}

	if len(picked) == 0 {
		nextAbs = abs
	}

	body := formatBody(picked, isJSON)
	return ReadResult{
		Body:         body,
		NextOffset:   offset.Offset{ReadSeq: tok.ReadSeq, ByteOffset: nextAbs - seg.StartOffset},
		UpToDate:     false,
		ClosedAtTail: false,
		HasData:      len(picked) > 0,
	}, nil
}

// pickChunk accumulates ops (already sorted by offset, already capped at
// hotstore's 200-row page) up to maxChunk bytes, always including at
// least one op, and returns the latest write timestamp (max CreatedAt)
// among the ops included.
func pickChunk(ops []hotstore.Op, maxChunk uint64) ([]hotstore.Op, int64) {
	var picked []hotstore.Op
	var bytesSoFar uint64
	var writeTS int64
	for _, op := range ops {
		if len(picked) > 0 && bytesSoFar+op.SizeBytes > maxChunk {
			break
		}
		picked = append(picked, op)
		bytesSoFar += op.SizeBytes
		if op.CreatedAt > writeTS {
			writeTS = op.CreatedAt
		}
	}
	return picked, writeTS
}

func formatBody(bodies [][]byte, isJSON bool) []byte {
	if isJSON {
		return formatJSONResponse(bodies)
	}
	var out []byte
	for _, b := range bodies {
		out = append(out, b...)
	}
	return out
}
