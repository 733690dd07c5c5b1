package requestctx

import (
	"context"
	"time"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the request Context.
var Key contextKey = "tabscribe/requestctx"

// Context carries per-request metadata that error envelopes and logs refer to.
type Context struct {
	RequestID  string
	RemoteAddr string
	ReceivedAt time.Time
}

// ClientKey identifies the caller for rate limiting.
func (c *Context) ClientKey() string {
	if c == nil || c.RemoteAddr == "" {
		return "anonymous"
	}
	return c.RemoteAddr
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
