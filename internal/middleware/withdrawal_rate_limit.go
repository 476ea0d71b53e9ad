package middleware

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// WithdrawalRateLimit caps how many withdrawal requests a wallet may open per
// calendar day, counted in Redis. The counter is advisory and fails open on
// cache errors; the per-wallet single-open-request rule is enforced by storage
// regardless.
func WithdrawalRateLimit(cache *redis.Client, maxPerDay int) fiber.Handler {
	if maxPerDay <= 0 {
		maxPerDay = 1
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		walletID := c.Params("walletId")
		if walletID == "" {
			return c.Next()
		}

		now := time.Now().UTC()
		key := "rl:withdrawal:" + now.Format("2006-01-02") + ":" + walletID
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			cache.Expire(c.UserContext(), key, endOfDay.Sub(now))
		}
		if cnt > int64(maxPerDay) {
			return fiber.NewError(http.StatusTooManyRequests, "daily withdrawal limit reached, try again tomorrow")
		}
		return c.Next()
	}
}
