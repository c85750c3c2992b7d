//go:build debugactions

package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/hotstore"
)

// runDebugAction implements spec.md §4.6's test-tooling surface: force a
// rotation regardless of thresholds, backdate a producer's last-updated
// timestamp (to exercise 7-day lazy expiry without waiting a week),
// report the hot log's current ops count/bytes, and truncate the latest
// cold segment's index row (to exercise a lost-segment read path).
// dump-coalescer-stats is an edge-level concern (internal/edge owns the
// coalescer) and has no sequencer-side action.
func runDebugAction(ctx context.Context, eng *engine.Engine, action DebugAction) (DebugResult, error) {
	switch action.Kind {
	case DebugForceRotate:
		rotated, err := eng.Rotate(ctx, true)
		return DebugResult{Rotated: rotated}, err

	case DebugSetProducerAge:
		db := eng.DB()
		backdated := time.Now().Add(-time.Duration(action.AgeSeconds) * time.Second).Unix()

		existing, err := db.GetProducer(ctx, action.ProducerID)
		if err == hotstore.ErrNotFound {
			row := hotstore.ProducerRow{ProducerID: action.ProducerID, LastUpdated: backdated}
			if err := db.Batch(ctx, hotstore.UpsertProducer(row)); err != nil {
				return DebugResult{}, fmt.Errorf("sequencer: debug set producer age: %w", err)
			}
			return DebugResult{}, nil
		}
		if err != nil {
			return DebugResult{}, fmt.Errorf("sequencer: debug set producer age: %w", err)
		}
		existing.LastUpdated = backdated
		if err := db.Batch(ctx, hotstore.UpsertProducer(existing)); err != nil {
			return DebugResult{}, fmt.Errorf("sequencer: debug set producer age: %w", err)
		}
		return DebugResult{}, nil

	case DebugGetOpsCount:
		count, bytes, err := eng.DB().AggregateFrom(ctx, 0)
		if err != nil {
			return DebugResult{}, fmt.Errorf("sequencer: debug get ops count: %w", err)
		}
		return DebugResult{OpsCount: count, OpsBytes: bytes}, nil

	case DebugTruncateLatestSegment:
		db := eng.DB()
		seg, err := db.GetLatestSegment(ctx)
		if err == hotstore.ErrNotFound {
			return DebugResult{}, nil
		}
		if err != nil {
			return DebugResult{}, fmt.Errorf("sequencer: debug truncate latest segment: %w", err)
		}
		if err := db.Batch(ctx, hotstore.DeleteSegment(seg.ReadSeq)); err != nil {
			return DebugResult{}, fmt.Errorf("sequencer: debug truncate latest segment: %w", err)
		}
		return DebugResult{}, nil

	default:
		return DebugResult{}, fmt.Errorf("sequencer: unknown debug action %d", action.Kind)
	}
}

// IsDebugActionsDisabled always reports false in a debugactions build.
func IsDebugActionsDisabled(err error) bool {
	return false
}
