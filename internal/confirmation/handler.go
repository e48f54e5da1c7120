package confirmation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/middleware"
)

// Handler exposes the client-facing confirmation resolution.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Resolve - client confirms or disputes a completion claim
func (h *Handler) Resolve(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var in struct {
		Outcome string `json:"outcome"` // confirm | dispute
		Reason  string `json:"reason,omitempty"`
	}
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	conf, err := h.svc.Resolve(c.Request().Context(), c.Param("id"), actor, Outcome(in.Outcome), in.Reason)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusOK, echo.Map{"confirmation": conf})
}

// GetByRequest - participant fetches the confirmation for a request
func (h *Handler) GetByRequest(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	conf, err := h.svc.Get(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusOK, echo.Map{"confirmation": conf})
}
