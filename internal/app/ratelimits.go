package app

import (
	"context"

	"github.com/ncecere/tabscribe/backend/internal/requestctx"
)

// AcquireUploadSlot applies the per-client upload limits to the caller found
// in ctx. The returned release is never nil.
func (c *Container) AcquireUploadSlot(ctx context.Context) (func(), error) {
	if c == nil || c.RateLimiter == nil {
		return func() {}, nil
	}
	rc, _ := requestctx.FromContext(ctx)
	return c.RateLimiter.Acquire(ctx, "upload:"+rc.ClientKey())
}
