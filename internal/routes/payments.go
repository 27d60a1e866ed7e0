package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/authorization"
)

// RegisterPaymentRoutes wires payment endpoints. idempotency guards the
// endpoints that reach the verification provider and may be nil in dev.
func RegisterPaymentRoutes(r fiber.Router, h *authorization.Handler, idempotency fiber.Handler) {
	guarded := func(handler fiber.Handler) []fiber.Handler {
		if idempotency == nil {
			return []fiber.Handler{handler}
		}
		return []fiber.Handler{idempotency, handler}
	}

	r.Post("/payments", guarded(h.Submit)...)
	r.Get("/payments", h.List)
	r.Get("/payments/:id/status", h.Status)
	r.Post("/payments/:id/sms", guarded(h.RequestSMS)...)
	r.Post("/payments/:id/otp", h.CheckOTP)
}

// RegisterWebhookRoutes wires the provider callback. It carries no session
// and no idempotency key; the signature is its authentication.
func RegisterWebhookRoutes(r fiber.Router, h *authorization.Handler, limiter fiber.Handler) {
	r.Post("/webhooks/onetouch", limiter, h.Callback)
}
