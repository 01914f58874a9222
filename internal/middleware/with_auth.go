package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading/internal/utils"
)

// RequireUser rejects requests whose token carried no usable subject.
// Manual grades and regrades are attributed to this identity.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch id := c.Locals("user_id").(type) {
		case uint:
			if id != 0 {
				return c.Next()
			}
		}
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
}
