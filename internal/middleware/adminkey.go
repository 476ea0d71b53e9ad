package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const adminKeyHeader = "X-Admin-Key"

// AdminKey guards administrative routes. The presented key is compared against
// the configured bcrypt hash; an empty hash locks the routes entirely.
func AdminKey(keyHash string, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if keyHash == "" {
			return fiber.NewError(http.StatusForbidden, "admin access not configured")
		}

		key := c.Get(adminKeyHeader)
		if key == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing "+adminKeyHeader+" header")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			logger.Warn("admin key rejected", "path", c.Path(), "ip", c.IP())
			return fiber.NewError(http.StatusUnauthorized, "invalid admin key")
		}
		return c.Next()
	}
}
