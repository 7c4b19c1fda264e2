// Package context carries per-call values shared by packages that cannot
// import each other.
package context

import (
	stdctx "context"
)

type debugCallbackKey struct{}

// WithDebugCallback adds a debug callback function to the context.
func WithDebugCallback(ctx stdctx.Context, cb func(string)) stdctx.Context {
	return stdctx.WithValue(ctx, debugCallbackKey{}, cb)
}

// GetDebugCallback retrieves a debug callback function from the context.
// Returns the callback and a bool indicating if it was set.
func GetDebugCallback(ctx stdctx.Context) (func(string), bool) {
	cb, ok := ctx.Value(debugCallbackKey{}).(func(string))
	return cb, ok
}

type sessionKey struct{}

// WithSessionID tags the context with the conversation session it serves.
func WithSessionID(ctx stdctx.Context, id string) stdctx.Context {
	return stdctx.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session tagged by WithSessionID, or "".
func SessionID(ctx stdctx.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
