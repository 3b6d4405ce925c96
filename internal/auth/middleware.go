package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	bearerPrefix = "Bearer "
	operatorKey  = "operator"
)

// Middleware requires a valid bearer token and stores the operator in Locals.
// A nil manager disables authentication.
func Middleware(m *Manager, now func() time.Time) fiber.Handler {
	if now == nil {
		now = time.Now
	}

	return func(c *fiber.Ctx) error {
		if m == nil {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(header, bearerPrefix) {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := m.Verify(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), now())
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(operatorKey, claims.Operator)
		return c.Next()
	}
}

// Operator returns the authenticated operator, or "" when auth is disabled.
func Operator(c *fiber.Ctx) string {
	if value, ok := c.Locals(operatorKey).(string); ok {
		return value
	}
	return ""
}
