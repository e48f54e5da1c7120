package request

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/middleware"
	"github.com/servio-labs/servio/internal/models"
)

// Handler exposes the lifecycle manager over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func fail(c echo.Context, err error) error {
	return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
}

// CreateRequest - client opens a new request
func (h *Handler) CreateRequest(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	r, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"request": r})
}

// AssignProvider - client picks the provider and agrees a price
func (h *Handler) AssignProvider(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var in struct {
		ProviderID string `json:"provider_id"`
		Price      int64  `json:"price"`
	}
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	r, err := h.svc.AssignProvider(c.Request().Context(), c.Param("id"), actor, in.ProviderID, in.Price)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"request": r})
}

// transitionTo builds a verb handler for one target status.
func (h *Handler) transitionTo(target models.RequestStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, ok := middleware.Actor(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		}
		r, err := h.svc.Transition(c.Request().Context(), c.Param("id"), actor, target)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{"request": r})
	}
}

// Accept - provider accepts a pending request
func (h *Handler) Accept(c echo.Context) error {
	return h.transitionTo(models.RequestAccepted)(c)
}

// Start - provider begins work
func (h *Handler) Start(c echo.Context) error {
	return h.transitionTo(models.RequestInProgress)(c)
}

// Complete - provider reports the work done, opening the confirmation window
func (h *Handler) Complete(c echo.Context) error {
	return h.transitionTo(models.RequestCompleted)(c)
}

// Cancel - either party cancels; any held payment is reversed
func (h *Handler) Cancel(c echo.Context) error {
	return h.transitionTo(models.RequestCancelled)(c)
}

// GetRequest - participant fetches one request
func (h *Handler) GetRequest(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	r, err := h.svc.Get(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"request": r})
}

// ListRequests - all requests the caller participates in
func (h *Handler) ListRequests(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	list, err := h.svc.ListMine(c.Request().Context(), actor)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"requests": list})
}
