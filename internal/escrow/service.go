package escrow

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/clock"
	"github.com/servio-labs/servio/internal/events"
	"github.com/servio-labs/servio/internal/gateway"
	"github.com/servio-labs/servio/internal/metrics"
	"github.com/servio-labs/servio/internal/models"
	"github.com/servio-labs/servio/internal/store"
)

// reversalAttempts bounds the CAS retry loop when unwinding a payment.
// The payment status is monotonic, so each retry either applies or finds
// the row already terminal.
const reversalAttempts = 5

// Release triggers, recorded on the release metric.
const (
	ReleaseByConfirm = "confirm"
	ReleaseByExpiry  = "expiry"
	ReleaseByDispute = "dispute"
)

// Service is the escrow settlement manager. It owns the Payment state
// machine: money enters escrow on gateway capture and only leaves through
// Release (to the provider) or a reversal (back to the client).
type Service struct {
	store   store.Store
	gateway gateway.Client
	clock   clock.Clock
	log     zerolog.Logger
}

func NewService(st store.Store, gw gateway.Client, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{store: st, gateway: gw, clock: clk, log: log}
}

// Subscribe wires the escrow reactions to lifecycle and confirmation
// events.
func (s *Service) Subscribe(bus *events.Dispatcher) {
	bus.Subscribe(events.RequestCancelled, func(ctx context.Context, ev events.Event) error {
		return s.reverse(ctx, ev.RequestID)
	})
	bus.Subscribe(events.ConfirmationResolved, func(ctx context.Context, ev events.Event) error {
		trigger := ReleaseByConfirm
		if ev.AutoReleased {
			trigger = ReleaseByExpiry
		}
		return s.Release(ctx, ev.RequestID, trigger)
	})
}

// CreatePayment opens checkout for a request. A repeated call while the
// payment is still pending re-requests the checkout session with the same
// external reference, which is the retry path after a gateway timeout.
func (s *Service) CreatePayment(ctx context.Context, requestID string, actor models.Actor) (*models.Payment, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID {
		return nil, apperr.New(apperr.Forbidden, "only the request's client may pay")
	}

	if existing, err := s.store.GetPaymentByRequest(ctx, requestID); err == nil {
		if existing.Status != models.PaymentPending {
			return nil, apperr.New(apperr.Conflict, "payment already exists for this request")
		}
		return s.requestCheckout(ctx, existing)
	} else if !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}

	if r.ProviderID == "" || r.Price <= 0 {
		return nil, apperr.New(apperr.PreconditionFailed, "request needs an assigned provider and an agreed price")
	}
	if r.Status != models.RequestAccepted && r.Status != models.RequestInProgress {
		return nil, apperr.New(apperr.PreconditionFailed, "request is %s, checkout requires an accepted request", r.Status)
	}

	now := s.clock.Now()
	pay := &models.Payment{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		PayerID:     r.ClientID,
		PayeeID:     r.ProviderID,
		Amount:      r.Price,
		Status:      models.PaymentPending,
		ExternalRef: uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}

	return s.requestCheckout(ctx, pay)
}

// requestCheckout asks the gateway for a session. On gateway failure the
// payment stays pending so the client can retry with the same reference.
func (s *Service) requestCheckout(ctx context.Context, pay *models.Payment) (*models.Payment, error) {
	checkout, err := s.gateway.CreateCheckout(ctx, pay.Amount, pay.PayerID, pay.ExternalRef)
	if err != nil {
		s.log.Warn().Err(err).Str("payment_id", pay.ID).Msg("checkout creation failed, payment stays pending")
		return nil, err
	}
	if err := s.store.SetCheckoutURL(ctx, pay.ID, checkout.URL, s.clock.Now()); err != nil {
		return nil, err
	}
	pay.CheckoutURL = checkout.URL
	return pay, nil
}

// gatewayStatusMap translates the gateway vocabulary. "approved" means
// funds captured, which puts the payment in escrow hold; the internal
// approved status is reserved for the post-confirmation release.
var gatewayStatusMap = map[string]models.PaymentStatus{
	"approved":  models.PaymentEscrow,
	"rejected":  models.PaymentRejected,
	"refunded":  models.PaymentRefunded,
	"cancelled": models.PaymentCancelled,
}

// legal source statuses per mapped target, mirroring the payment table.
var gatewayFromMap = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentEscrow:    {models.PaymentPending},
	models.PaymentRejected:  {models.PaymentPending},
	models.PaymentRefunded:  {models.PaymentEscrow},
	models.PaymentCancelled: {models.PaymentPending, models.PaymentEscrow},
}

// ApplyGatewayEvent processes one webhook callback. Replays and
// out-of-order deliveries are absorbed: a payment already at (or past)
// the mapped status is left untouched.
func (s *Service) ApplyGatewayEvent(ctx context.Context, externalRef, reportedStatus string) error {
	metrics.IncGatewayEvent(reportedStatus)

	pay, err := s.store.GetPaymentByExternalRef(ctx, externalRef)
	if err != nil {
		return err
	}

	target, ok := gatewayStatusMap[reportedStatus]
	if !ok {
		// Unknown vocabulary leaves the payment pending.
		s.log.Info().Str("external_ref", externalRef).Str("status", reportedStatus).Msg("ignoring unmapped gateway status")
		return nil
	}
	if pay.Status == target {
		return nil
	}

	for _, from := range gatewayFromMap[target] {
		if pay.Status != from {
			continue
		}
		swapped, err := s.store.CASPaymentStatus(ctx, pay.ID, from, target, s.clock.Now())
		if err != nil {
			return err
		}
		if swapped {
			s.audit(ctx, pay.ID, from, target, "")
			s.log.Info().
				Str("payment_id", pay.ID).
				Str("from", string(from)).
				Str("to", string(target)).
				Msg("gateway event applied")
		}
		// A lost CAS means a concurrent actor moved the payment first;
		// the event is stale and dropped.
		return nil
	}

	s.log.Info().
		Str("payment_id", pay.ID).
		Str("current", string(pay.Status)).
		Str("reported", reportedStatus).
		Msg("stale or out-of-order gateway event ignored")
	return nil
}

// Release finalizes payout to the provider. It is the only path to the
// approved status and is exactly-once per payment: a repeat call on an
// already-approved payment is a no-op success.
func (s *Service) Release(ctx context.Context, requestID, trigger string) error {
	pay, err := s.store.GetPaymentByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if pay.Status == models.PaymentApproved {
		return nil
	}
	if pay.Status != models.PaymentEscrow {
		return apperr.New(apperr.PreconditionFailed, "payment is %s, escrow required for release", pay.Status)
	}

	swapped, err := s.store.CASPaymentStatus(ctx, pay.ID, models.PaymentEscrow, models.PaymentApproved, s.clock.Now())
	if err != nil {
		return err
	}
	if !swapped {
		// A racing release may have won; re-read to tell apart.
		pay, err = s.store.GetPaymentByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if pay.Status == models.PaymentApproved {
			return nil
		}
		return apperr.New(apperr.PreconditionFailed, "payment moved to %s before release", pay.Status)
	}

	metrics.IncEscrowRelease(trigger)
	s.audit(ctx, pay.ID, models.PaymentEscrow, models.PaymentApproved, "")
	s.log.Info().
		Str("payment_id", pay.ID).
		Str("request_id", requestID).
		Str("trigger", trigger).
		Int64("amount", pay.Amount).
		Str("payee_id", pay.PayeeID).
		Msg("escrow released")
	return nil
}

// PaymentByRequest returns the request's payment to one of its
// participants.
func (s *Service) PaymentByRequest(ctx context.Context, requestID string, actor models.Actor) (*models.Payment, error) {
	pay, err := s.store.GetPaymentByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != pay.PayerID && actor.ID != pay.PayeeID && actor.Role != models.RoleAdmin {
		return nil, apperr.New(apperr.Forbidden, "not a participant of this payment")
	}
	return pay, nil
}

// Refund reverses an escrowed payment back to the client. Used by the
// admin dispute resolution path.
func (s *Service) Refund(ctx context.Context, requestID string) error {
	pay, err := s.store.GetPaymentByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if pay.Status == models.PaymentRefunded {
		return nil
	}
	if pay.Status != models.PaymentEscrow {
		return apperr.New(apperr.PreconditionFailed, "payment is %s, escrow required for refund", pay.Status)
	}
	swapped, err := s.store.CASPaymentStatus(ctx, pay.ID, models.PaymentEscrow, models.PaymentRefunded, s.clock.Now())
	if err != nil {
		return err
	}
	if swapped {
		metrics.IncEscrowReversal("refunded")
		s.audit(ctx, pay.ID, models.PaymentEscrow, models.PaymentRefunded, "")
	}
	return nil
}

// reverse unwinds whatever the payment currently holds after the request
// was cancelled: pending checkout is voided, escrowed funds go back to
// the client. Retries on CAS misses until the payment is terminal so a
// cancelled request is never left with money held.
func (s *Service) reverse(ctx context.Context, requestID string) error {
	for attempt := 0; attempt < reversalAttempts; attempt++ {
		pay, err := s.store.GetPaymentByRequest(ctx, requestID)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return nil
			}
			return err
		}

		var target models.PaymentStatus
		switch pay.Status {
		case models.PaymentPending:
			target = models.PaymentCancelled
		case models.PaymentEscrow:
			target = models.PaymentRefunded
		default:
			// Already terminal, nothing held.
			return nil
		}

		swapped, err := s.store.CASPaymentStatus(ctx, pay.ID, pay.Status, target, s.clock.Now())
		if err != nil {
			return err
		}
		if swapped {
			metrics.IncEscrowReversal(string(target))
			s.audit(ctx, pay.ID, pay.Status, target, "")
			s.log.Info().
				Str("payment_id", pay.ID).
				Str("request_id", requestID).
				Str("to", string(target)).
				Msg("payment reversed after cancellation")
			return nil
		}
	}
	return apperr.New(apperr.Conflict, "payment reversal kept losing races")
}

// ReconcileCancelled re-drives reversals for cancelled requests whose
// payment still holds funds. The in-call reversal can fail after the
// request is already cancelled, and cancelled is terminal, so no user
// action can retry it; this pass is what makes the unwind durable.
// Per-item failures are logged and the batch continues.
func (s *Service) ReconcileCancelled(ctx context.Context) (reversed int, err error) {
	held, err := s.store.ListHeldAfterCancel(ctx)
	if err != nil {
		return 0, err
	}
	for _, pay := range held {
		if err := s.reverse(ctx, pay.RequestID); err != nil {
			s.log.Error().Err(err).
				Str("payment_id", pay.ID).
				Str("request_id", pay.RequestID).
				Msg("reversal retry failed")
			continue
		}
		reversed++
		s.log.Info().
			Str("payment_id", pay.ID).
			Str("request_id", pay.RequestID).
			Msg("held payment reversed on reconciliation")
	}
	return reversed, nil
}

func (s *Service) audit(ctx context.Context, paymentID string, from, to models.PaymentStatus, actorID string) {
	if err := s.store.RecordTransition(ctx, models.TransitionRecord{
		Entity:   "payment",
		EntityID: paymentID,
		From:     string(from),
		To:       string(to),
		ActorID:  actorID,
		At:       s.clock.Now(),
	}); err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("record payment transition")
	}
}
