package engine

import (
	"context"
	"fmt"

	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/offset"
	"github.com/durablelog/durablelog/internal/producer"
)

// AppendOptions is a POST (or close) request's decoded intent.
type AppendOptions struct {
	ContentType string
	Body        []byte
	CloseStream bool
	StreamSeq   string

	ProducerID    string
	ProducerEpoch *int64
	ProducerSeq   *int64

	// allowEmptyJSONArray is set only by Create's internal first-append
	// call, matching the teacher's PUT-allows-empty-array rule.
	allowEmptyJSONArray bool
}

func (o AppendOptions) hasProducerHeaders() bool {
	return o.ProducerID != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

func (o AppendOptions) hasAllProducerHeaders() bool {
	return o.ProducerID != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// AppendResult is what the edge turns into response headers.
type AppendResult struct {
	NextOffset     offset.Offset
	ProducerResult producer.Result
	HasProducer    bool
	LastSeq        int64
	Closed         bool
	// Duplicate is true when this call was recognized as a replayed
	// append/close and nothing new was committed.
	Duplicate bool
}

// Append implements spec.md §4.4's POST semantics (and, via
// opts.CloseStream, the Close path — same code, same validation order).
func (e *Engine) Append(ctx context.Context, opts AppendOptions) (AppendResult, error) {
	if opts.hasProducerHeaders() && !opts.hasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}

	_, totalBytes, err := e.db.AggregateFrom(ctx, 0)
	if err != nil {
		return AppendResult{}, fmt.Errorf("engine: quota check: %w", err)
	}
	if uint64(totalBytes) >= uint64(float64(e.cfg.QuotaBytes)*e.cfg.QuotaRejectFraction) {
		return AppendResult{}, ErrQuotaExceeded
	}

	meta, err := e.db.GetMeta(ctx)
	if err == hotstore.ErrNotFound {
		return AppendResult{}, ErrStreamNotFound
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("engine: append: get meta: %w", err)
	}

	closeOnly := opts.CloseStream && len(opts.Body) == 0

	// Already-closed handling runs before anything else: a close replay
	// must succeed (or conflict) without touching storage again.
	if meta.Closed && closeOnly {
		return e.replayClose(meta, opts)
	}

	hasProducer := opts.hasAllProducerHeaders()
	var newProducerState *hotstore.ProducerRow
	result := AppendResult{HasProducer: hasProducer}

	if hasProducer {
		var current *hotstore.ProducerRow
		row, perr := e.db.GetProducer(ctx, opts.ProducerID)
		switch perr {
		case nil:
			current = &row
		case hotstore.ErrNotFound:
			current = nil
		default:
			return AppendResult{}, fmt.Errorf("engine: append: get producer: %w", perr)
		}

		decision, evalErr := producer.Evaluate(current, *opts.ProducerEpoch, *opts.ProducerSeq, e.now())
		if evalErr != nil {
			return AppendResult{}, &ProducerError{
				Err:          evalErr,
				ExpectedSeq:  decision.ExpectedSeq,
				ReceivedSeq:  decision.ReceivedSeq,
				CurrentEpoch: decision.CurrentEpoch,
			}
		}
		if decision.Result == producer.ResultDuplicate {
			tok, terr := e.tokenForOffset(ctx, meta, decision.LastOffset)
			if terr != nil {
				return AppendResult{}, terr
			}
			return AppendResult{
				NextOffset:     tok,
				ProducerResult: producer.ResultDuplicate,
				HasProducer:    true,
				LastSeq:        decision.LastSeq,
				Closed:         meta.Closed,
				Duplicate:      true,
			}, nil
		}
		newProducerState = decision.NewState
		newProducerState.ProducerID = opts.ProducerID
		result.ProducerResult = decision.Result
		result.LastSeq = decision.LastSeq
	}

	if !closeOnly {
		if len(opts.Body) == 0 {
			return AppendResult{}, ErrEmptyAppend
		}
		if uint64(len(opts.Body)) > e.cfg.MaxAppendBytes {
			return AppendResult{}, ErrAppendTooLarge
		}
		if meta.Closed {
			return AppendResult{}, ErrStreamClosed
		}
		if NormalizeContentType(opts.ContentType) != meta.ContentType {
			return AppendResult{}, ErrContentTypeMismatch
		}
	}

	if opts.StreamSeq != "" && meta.LastStreamSeq != "" && opts.StreamSeq <= meta.LastStreamSeq {
		return AppendResult{}, ErrStreamSeqRegressed
	}

	var messages [][]byte
	if !closeOnly {
		if IsJSONContentType(meta.ContentType) {
			messages, err = flattenJSONAppend(opts.Body, opts.allowEmptyJSONArray)
			if err != nil {
				return AppendResult{}, err
			}
		} else {
			messages = [][]byte{opts.Body}
		}
	}

	stmts := make([]hotstore.Stmt, 0, len(messages)+3)
	tail := meta.TailOffset
	msgCount := meta.SegmentMsgCount
	byteCount := meta.SegmentByteCount
	now := e.now().Unix()
	var lastStreamSeq string
	if opts.StreamSeq != "" {
		lastStreamSeq = opts.StreamSeq
	} else {
		lastStreamSeq = meta.LastStreamSeq
	}

	for _, m := range messages {
		size := uint64(len(m))
		end := unitEnd(meta.ContentType, tail, size)
		op := hotstore.Op{
			StartOffset: tail,
			EndOffset:   end,
			SizeBytes:   size,
			Body:        m,
			CreatedAt:   now,
			StreamSeq:   opts.StreamSeq,
			ProducerID:  opts.ProducerID,
		}
		if hasProducer {
			op.ProducerEpoch = opts.ProducerEpoch
			op.ProducerSeq = opts.ProducerSeq
		}
		stmts = append(stmts, hotstore.InsertOp(op))
		tail = end
		msgCount++
		byteCount += size
	}

	stmts = append(stmts, hotstore.UpdateTail(tail, msgCount, byteCount, lastStreamSeq))

	if newProducerState != nil {
		// Record the post-append tail as this producer's committed offset,
		// so a later duplicate replay returns it instead of whatever the
		// stream's tail has moved to by then (spec.md §4.3).
		newProducerState.LastOffset = tail
		stmts = append(stmts, hotstore.UpsertProducer(*newProducerState))
	}

	closedBy := meta.ClosedBy
	if opts.CloseStream {
		if hasProducer {
			closedBy = &hotstore.ClosedBy{ProducerID: opts.ProducerID, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
		}
		stmts = append(stmts, hotstore.CloseStream(closedBy))
	}

	if err := e.db.Batch(ctx, stmts...); err != nil {
		return AppendResult{}, fmt.Errorf("engine: append: commit: %w", err)
	}

	result.NextOffset = tailToken(meta.ReadSeq, meta.SegmentStart, tail)
	result.Closed = opts.CloseStream || meta.Closed

	e.notifier.NotifyAppend(ctx, result.NextOffset, now, result.Closed)
	if opts.CloseStream {
		e.notifier.NotifyClose(ctx)
	}

	if _, rerr := e.Rotate(ctx, opts.CloseStream); rerr != nil {
		return result, fmt.Errorf("engine: append succeeded but rotation failed: %w", rerr)
	}

	return result, nil
}

// Close is a thin wrapper over Append with CloseStream set, matching
// spec.md §4.4's "same code path as append" rule.
func (e *Engine) Close(ctx context.Context, opts AppendOptions) (AppendResult, error) {
	opts.CloseStream = true
	opts.Body = nil
	return e.Append(ctx, opts)
}

// tokenForOffset converts an absolute offset recorded before this call
// (a producer's last committed append, via ProducerRow.LastOffset) into
// a client-facing token. The current hot segment covers it directly;
// anything older may have rotated to cold storage since it was
// recorded, so it's resolved through whichever segment's range now
// contains it.
func (e *Engine) tokenForOffset(ctx context.Context, meta hotstore.Meta, absolute uint64) (offset.Offset, error) {
	if absolute >= meta.SegmentStart {
		return tailToken(meta.ReadSeq, meta.SegmentStart, absolute), nil
	}
	seg, err := e.db.GetSegmentCoveringOffset(ctx, absolute)
	if err != nil {
		return offset.Offset{}, fmt.Errorf("engine: resolve producer offset: %w", err)
	}
	return offset.Offset{ReadSeq: seg.ReadSeq, ByteOffset: absolute - seg.StartOffset}, nil
}

func (e *Engine) replayClose(meta hotstore.Meta, opts AppendOptions) (AppendResult, error) {
	if !opts.hasAllProducerHeaders() {
		return AppendResult{
			NextOffset: tailToken(meta.ReadSeq, meta.SegmentStart, meta.TailOffset),
			Closed:     true,
			Duplicate:  true,
		}, nil
	}
	if meta.ClosedBy != nil &&
		meta.ClosedBy.ProducerID == opts.ProducerID &&
		meta.ClosedBy.Epoch == *opts.ProducerEpoch &&
		meta.ClosedBy.Seq == *opts.ProducerSeq {
		return AppendResult{
			NextOffset:  tailToken(meta.ReadSeq, meta.SegmentStart, meta.TailOffset),
			HasProducer: true,
			Closed:      true,
			Duplicate:   true,
		}, nil
	}
	return AppendResult{}, ErrCloseMismatch
}
