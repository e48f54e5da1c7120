package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/clock"
	"github.com/servio-labs/servio/internal/escrow"
	"github.com/servio-labs/servio/internal/middleware"
	"github.com/servio-labs/servio/internal/store"
)

// Handler is the administrative resolution path for disputed
// confirmations: the manual counterpart to the automatic release.
type Handler struct {
	store  store.Store
	escrow *escrow.Service
	clock  clock.Clock
	log    zerolog.Logger
}

func NewHandler(st store.Store, es *escrow.Service, clk clock.Clock, log zerolog.Logger) *Handler {
	return &Handler{store: st, escrow: es, clock: clk, log: log}
}

// ListDisputes - GET /admin/disputes
func (h *Handler) ListDisputes(c echo.Context) error {
	disputes, err := h.store.ListOpenDisputes(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch disputes"})
	}
	return c.JSON(http.StatusOK, echo.Map{"disputes": disputes})
}

// ResolveDispute - POST /admin/disputes/:id/resolve
// "release" pays the provider, "refund" reverses the escrow to the
// client. Both go through the escrow manager's exactly-once paths.
func (h *Handler) ResolveDispute(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var in struct {
		Resolution string `json:"resolution"` // release | refund
	}
	if err := c.Bind(&in); err != nil || (in.Resolution != "release" && in.Resolution != "refund") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "resolution must be release or refund"})
	}

	ctx := c.Request().Context()
	d, err := h.store.GetDispute(ctx, c.Param("id"))
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	if d.Status != "open" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "dispute already resolved"})
	}

	if in.Resolution == "release" {
		err = h.escrow.Release(ctx, d.RequestID, escrow.ReleaseByDispute)
	} else {
		err = h.escrow.Refund(ctx, d.RequestID)
	}
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}

	resolved, err := h.store.ResolveDispute(ctx, d.ID, in.Resolution, actor.ID, h.clock.Now())
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	if !resolved {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "dispute already resolved"})
	}

	h.log.Info().
		Str("dispute_id", d.ID).
		Str("request_id", d.RequestID).
		Str("resolution", in.Resolution).
		Str("admin_id", actor.ID).
		Msg("dispute resolved")
	return c.JSON(http.StatusOK, echo.Map{"dispute_id": d.ID, "resolution": in.Resolution})
}
