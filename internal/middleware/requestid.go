package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestIDKey is the fiber locals key under which the request id is stored
// for handlers and the audit middleware.
const RequestIDKey = "request_id"

// RequestID assigns every request a stable identifier, honoring one supplied
// by the caller. Credit and withdrawal flows echo it back so money movements
// can be traced across services.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Locals(RequestIDKey, id)
		return c.Next()
	}
}
