package middleware

import (
	"strconv"
	"strings"

	"invoice-import/internal/config"
	"invoice-import/internal/utils"

	"github.com/gofiber/fiber/v2"
)

const devTokenPrefix = "dev-token-"

// AuthMiddleware identifies the operator from a Bearer JWT and stores the
// user id in c.Locals("user_id"). With AUTH_DEV_TOKENS set and outside
// production, "dev-token-<id>" is accepted as well.
func AuthMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization header is required", nil)
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization header format", nil)
		}
		token := parts[1]

		if cfg.AuthDevTokens && !cfg.IsProduction() && strings.HasPrefix(token, devTokenPrefix) {
			userID, err := strconv.Atoi(strings.TrimPrefix(token, devTokenPrefix))
			if err != nil || userID <= 0 {
				userID = 1
			}
			c.Locals("user_id", userID)
			c.Locals("username", "dev")
			return c.Next()
		}

		claims, err := utils.ValidateToken(token, cfg.JWTSecret)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("username", claims.Username)
		return c.Next()
	}
}

// UserID returns the operator id set by AuthMiddleware, or 0.
func UserID(c *fiber.Ctx) int {
	id, _ := c.Locals("user_id").(int)
	return id
}
