package engine

import (
	"context"
	"fmt"

	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/offset"
)

// CreateOptions is a PUT request's decoded intent.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *int64 // unix seconds, mutually exclusive with TTLSeconds
	Public      bool
	RetainOps   bool
	Body        []byte
}

// CreateResult reports whether this call actually created the stream
// (vs. an idempotent replay) and the resulting tail offset.
type CreateResult struct {
	Created    bool
	NextOffset offset.Offset
}

// Create implements spec.md §4.4's PUT semantics: idempotent replace
// when the stream already exists and every config field matches, 409 on
// mismatch, insert-and-optional-first-append when absent.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (CreateResult, error) {
	if opts.TTLSeconds != nil && opts.ExpiresAt != nil {
		return CreateResult{}, ErrInvalidTTL
	}

	normalizedCT := NormalizeContentType(opts.ContentType)
	effectiveExpiresAt := opts.ExpiresAt

	existing, err := e.db.GetMeta(ctx)
	if err == nil {
		if !configMatches(existing, normalizedCT, opts.TTLSeconds, effectiveExpiresAt) {
			return CreateResult{}, ErrConfigMismatch
		}
		if len(opts.Body) == 0 {
			return CreateResult{Created: false, NextOffset: tailToken(existing.ReadSeq, existing.SegmentStart, existing.TailOffset)}, nil
		}
		result, appendErr := e.Append(ctx, AppendOptions{ContentType: opts.ContentType, Body: opts.Body})
		if appendErr != nil {
			return CreateResult{}, appendErr
		}
		return CreateResult{Created: false, NextOffset: result.NextOffset}, nil
	}
	if err != hotstore.ErrNotFound {
		return CreateResult{}, fmt.Errorf("engine: create: %w", err)
	}

	now := e.now()
	meta := hotstore.Meta{
		ContentType: normalizedCT,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   effectiveExpiresAt,
		CreatedAt:   now.Unix(),
		Public:      opts.Public,
		RetainOps:   opts.RetainOps,
	}
	if err := e.db.Batch(ctx, hotstore.InsertStream(meta)); err != nil {
		return CreateResult{}, fmt.Errorf("engine: insert stream: %w", err)
	}

	if len(opts.Body) == 0 {
		return CreateResult{Created: true, NextOffset: offset.Zero}, nil
	}

	result, err := e.Append(ctx, AppendOptions{ContentType: opts.ContentType, Body: opts.Body, allowEmptyJSONArray: true})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Created: true, NextOffset: result.NextOffset}, nil
}

func configMatches(m hotstore.Meta, normalizedCT string, ttl, expiresAt *int64) bool {
	if m.ContentType != normalizedCT {
		return false
	}
	if m.Closed {
		// A PUT never declares closed=true; an idempotent replay can
		// only match a stream that is still open.
		return false
	}
	if !int64PtrEqual(m.TTLSeconds, ttl) {
		return false
	}
	if !int64PtrEqual(m.ExpiresAt, expiresAt) {
		return false
	}
	return true
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
