package rating

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/middleware"
)

// Handler exposes the review flow and provider rating summary.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func fail(c echo.Context, err error) error {
	return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
}

// CreateReview - client reviews a completed request
func (h *Handler) CreateReview(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var in ReviewInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	review, err := h.svc.Create(c.Request().Context(), c.Param("id"), actor, in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"review": review})
}

// UpdateReview - author edits a review within the edit window
func (h *Handler) UpdateReview(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var in ReviewInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	review, err := h.svc.Update(c.Request().Context(), c.Param("id"), actor, in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"review": review})
}

// DeleteReview - author removes a review within the edit window
func (h *Handler) DeleteReview(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if err := h.svc.Delete(c.Request().Context(), c.Param("id"), actor); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "review deleted"})
}

// GetProviderSummary - public rating summary for a provider
func (h *Handler) GetProviderSummary(c echo.Context) error {
	summary, err := h.svc.Summary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GetRequestReview - the review attached to a request, if any
func (h *Handler) GetRequestReview(c echo.Context) error {
	review, err := h.svc.ByRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"review": review})
}
