package engine

import (
	"context"
	"fmt"

	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/offset"
)

// StatResult is a metadata-only snapshot: everything the edge needs for
// a HEAD response and for resolving an incoming offset sentinel (the
// "now"/"-1" values in spec.md §4.1) without touching message bodies.
type StatResult struct {
	ContentType string
	Closed      bool
	Public      bool
	TailOffset  offset.Offset
	TTLSeconds  *int64
	ExpiresAt   *int64
	CreatedAt   int64
}

// Tail implements offset.Resolver.
func (s StatResult) Tail() offset.Offset { return s.TailOffset }

// CurrentReadSeq implements offset.Resolver.
func (s StatResult) CurrentReadSeq() uint64 { return s.TailOffset.ReadSeq }

var _ offset.Resolver = StatResult{}

// Stat snapshots a stream's metadata, matching spec.md §4.7's HEAD
// response and doubling as the offset.Resolver a caller needs to parse
// the "now"/"-1" sentinels before issuing a Read.
func (e *Engine) Stat(ctx context.Context) (StatResult, error) {
	meta, err := e.db.GetMeta(ctx)
	if err == hotstore.ErrNotFound {
		return StatResult{}, ErrStreamNotFound
	}
	if err != nil {
		return StatResult{}, fmt.Errorf("engine: stat: %w", err)
	}
	return StatResult{
		ContentType: meta.ContentType,
		Closed:      meta.Closed,
		Public:      meta.Public,
		TailOffset:  tailToken(meta.ReadSeq, meta.SegmentStart, meta.TailOffset),
		TTLSeconds:  meta.TTLSeconds,
		ExpiresAt:   meta.ExpiresAt,
		CreatedAt:   meta.CreatedAt,
	}, nil
}
