package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/auth"
	"github.com/payfriend/payfriend/internal/authorization"
)

// JWTAuth validates bearer access tokens and stores the user id in Locals.
func JWTAuth(tokens *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		sub, err := tokens.Verify(tokenStr)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(authorization.UserIDLocal, sub)
		return c.Next()
	}
}
