package public

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/tabscribe/backend/internal/httpserver/httputil"
	"github.com/ncecere/tabscribe/backend/internal/requestctx"
)

// requestContext stores request metadata for error envelopes and limiting.
func requestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := &requestctx.Context{
			RequestID:  httputil.RequestID(c),
			RemoteAddr: c.IP(),
			ReceivedAt: time.Now().UTC(),
		}
		c.Locals(requestctx.FiberLocalsKey(), rc)
		c.SetUserContext(requestctx.WithContext(userContext(c), rc))
		return c.Next()
	}
}

func userContext(c *fiber.Ctx) context.Context {
	if c == nil {
		return context.Background()
	}
	if uc := c.UserContext(); uc != nil {
		return uc
	}
	return context.Background()
}
