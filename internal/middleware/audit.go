package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/authorization"
)

// Audit logs one line per request with the caller and the final status.
// Handler errors are rendered here so the logged status matches the
// response; server errors are already logged by ErrorHandler.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(http.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID, _ := c.Locals(requestIDHeader).(string); requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if uid, _ := c.Locals(authorization.UserIDLocal).(string); uid != "" {
			attrs = append(attrs, slog.String("user_id", uid))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Warn("request completed", attrs...)
		case status >= http.StatusBadRequest:
			logger.Info("request rejected", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return nil
	}
}
