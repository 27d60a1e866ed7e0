package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/auth"
)

// RegisterAuthRoutes wires registration, login and phone verification.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, rateLimiter, jwtmw fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/register", h.Register)
	if rateLimiter != nil {
		group.Post("/login", rateLimiter, h.Login)
	} else {
		group.Post("/login", h.Login)
	}
	group.Post("/verify", jwtmw, h.Verify)
	group.Post("/verify/resend", jwtmw, h.Resend)
}
