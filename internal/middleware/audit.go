package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit logs every administrative action with the affected wallet or
// withdrawal request, the operator-visible outcome and the request id.
// Mounted on the admin route group: force-rejects, manual payout runs and
// reconciliation triggers all leave a trail here.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("duration", time.Since(start)),
		}
		if walletID := c.Params("walletId"); walletID != "" {
			attrs = append(attrs, slog.String("wallet_id", walletID))
		}
		if requestID := c.Params("requestId"); requestID != "" {
			attrs = append(attrs, slog.String("withdrawal_request_id", requestID))
		}
		if traceID, _ := c.Locals(RequestIDKey).(string); traceID != "" {
			attrs = append(attrs, slog.String("request_id", traceID))
		}

		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
			logger.Error("admin action", attrs...)
			return err
		}
		logger.Info("admin action", attrs...)
		return nil
	}
}
