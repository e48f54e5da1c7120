package escrow

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/gateway"
	"github.com/servio-labs/servio/internal/middleware"
)

// Handler exposes checkout creation and the gateway webhook.
type Handler struct {
	svc           *Service
	webhookSecret string
	log           zerolog.Logger
}

func NewHandler(svc *Service, webhookSecret string, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret, log: log}
}

// CreatePayment - client initiates checkout for a request
func (h *Handler) CreatePayment(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	pay, err := h.svc.CreatePayment(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"payment_id":   pay.ID,
		"checkout_url": pay.CheckoutURL,
		"status":       pay.Status,
	})
}

// GatewayWebhook - settlement status callback from the payment provider.
// Unmatched references are logged and acknowledged anyway so the gateway
// does not retry forever; only malformed payloads and storage failures
// are rejected.
func (h *Handler) GatewayWebhook(c echo.Context) error {
	if h.webhookSecret != "" {
		got := c.Request().Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "bad webhook secret"})
		}
	}

	var ev gateway.WebhookEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if err := ev.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	if err := h.svc.ApplyGatewayEvent(c.Request().Context(), ev.ExternalRef, ev.Status); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			h.log.Warn().
				Str("external_ref", ev.ExternalRef).
				Str("status", ev.Status).
				Msg("gateway event for unknown reference, acknowledged")
			return c.JSON(http.StatusOK, echo.Map{"received": true})
		}
		h.log.Error().Err(err).Str("external_ref", ev.ExternalRef).Msg("gateway event failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "event processing failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}

// GetPayment - participant fetches the payment attached to a request
func (h *Handler) GetPayment(c echo.Context) error {
	actor, ok := middleware.Actor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	pay, err := h.svc.PaymentByRequest(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusOK, echo.Map{"payment": pay})
}
