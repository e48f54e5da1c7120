package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/servio-labs/servio/internal/models"
)

// AdminGuard restricts a route group to actors with the admin role.
func AdminGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, ok := Actor(c)
		if !ok || actor.Role != models.RoleAdmin {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "admin access only"})
		}
		return next(c)
	}
}
