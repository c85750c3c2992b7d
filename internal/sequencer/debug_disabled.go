//go:build !debugactions

package sequencer

import (
	"context"
	"errors"

	"github.com/durablelog/durablelog/internal/engine"
)

// ErrDebugActionsDisabled is returned for every debug action in a build
// that wasn't compiled with the debugactions tag.
var ErrDebugActionsDisabled = errors.New("sequencer: debug actions not compiled into this build")

func runDebugAction(ctx context.Context, eng *engine.Engine, action DebugAction) (DebugResult, error) {
	return DebugResult{}, ErrDebugActionsDisabled
}

// IsDebugActionsDisabled reports whether err is this build's
// ErrDebugActionsDisabled — a build-tag-independent check so callers
// outside this package never need to reference the disabled-only
// sentinel by name.
func IsDebugActionsDisabled(err error) bool {
	return errors.Is(err, ErrDebugActionsDisabled)
}
