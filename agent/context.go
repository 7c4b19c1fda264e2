package agent

import (
	"context"

	ctxpkg "github.com/tayler-id/telly-chat/context"
)

// DebugCallback receives human-readable trace lines for a turn.
type DebugCallback func(message string)

// WithDebugCallback adds a DebugCallback to the context
func WithDebugCallback(ctx context.Context, cb DebugCallback) context.Context {
	return ctxpkg.WithDebugCallback(ctx, cb)
}

// GetDebugCallback retrieves a DebugCallback from the context.
// Returns the callback and a bool indicating if it was set.
func GetDebugCallback(ctx context.Context) (DebugCallback, bool) {
	cb, ok := ctxpkg.GetDebugCallback(ctx)
	return DebugCallback(cb), ok
}

func debugf(ctx context.Context, msg string) {
	if cb, ok := GetDebugCallback(ctx); ok && cb != nil {
		cb(msg)
	}
}
