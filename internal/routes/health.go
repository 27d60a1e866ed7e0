package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/payments"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps, users *identity.Service, paymentSvc *payments.Service) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		storeStatus := "ok"
		redisStatus := "ok"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := users.Ping(ctx); err != nil {
			storeStatus = err.Error()
		} else if err := paymentSvc.Ping(ctx); err != nil {
			storeStatus = err.Error()
		}
		if d.Cache != nil {
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				redisStatus = err.Error()
			}
		} else {
			redisStatus = "disabled"
		}
		status := http.StatusOK
		if storeStatus != "ok" || (redisStatus != "ok" && redisStatus != "disabled") {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{d.Cfg.StoreBackend: storeStatus, "redis": redisStatus},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
