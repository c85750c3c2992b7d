package engine

import (
	"context"
	"fmt"

	"github.com/durablelog/durablelog/internal/hotstore"
)

// Delete removes a stream's metadata, ops, and producer state. Cold
// segment blobs are left in place; callers that want them reclaimed can
// sweep the blob store out of band, same as the teacher's approach to
// TTL expiry (lazy delete on next access, not eager cleanup).
func (e *Engine) Delete(ctx context.Context) error {
	if _, err := e.db.GetMeta(ctx); err != nil {
		if err == hotstore.ErrNotFound {
			return ErrStreamNotFound
		}
		return fmt.Errorf("engine: delete: %w", err)
	}
	if err := e.db.Batch(ctx, hotstore.DeleteStream()...); err != nil {
		return fmt.Errorf("engine: delete: commit: %w", err)
	}
	e.notifier.NotifyClose(ctx)
	return nil
}
