package middleware

import (
	"log"

	"github.com/anjiri1684/groupgate/ratelimit"
	"github.com/gofiber/fiber/v2"
)

// RateLimit rejects requests once keyFn's identity exceeds the limiter's window.
// A limiter error lets the request through.
func RateLimit(l ratelimit.Limiter, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = func(c *fiber.Ctx) string { return c.IP() }
	}
	return func(c *fiber.Ctx) error {
		key := keyFn(c)
		if key == "" {
			return c.Next()
		}
		ok, err := l.Allow(c.UserContext(), key)
		if err != nil {
			log.Printf("⚠️ Rate limiter unavailable for %s: %v", key, err)
			return c.Next()
		}
		if !ok {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later",
			})
		}
		return c.Next()
	}
}
