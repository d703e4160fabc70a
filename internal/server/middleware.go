package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Measurement requests legitimately take several seconds while the
// sensor integrates; anything past this on other routes is worth
// flagging.
const slowRequest = 500 * time.Millisecond

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		// Skip logging for high-frequency endpoints
		path := c.Path()
		if path == "/metrics" || path == "/health" {
			return err
		}

		elapsed := time.Since(start)
		attrs := []any{
			"method", c.Method(),
			"path", path,
			"status", c.Response().StatusCode(),
			"latency_ms", elapsed.Milliseconds(),
			"ip", c.IP(),
		}

		if elapsed > slowRequest && c.Method() != fiber.MethodPost {
			logger.Warn("slow http request", attrs...)
		} else {
			logger.Info("http request", attrs...)
		}

		return err
	}
}
