package confirmation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/clock"
	"github.com/servio-labs/servio/internal/events"
	"github.com/servio-labs/servio/internal/metrics"
	"github.com/servio-labs/servio/internal/models"
	"github.com/servio-labs/servio/internal/store"
)

// Outcome is the client's resolution choice.
type Outcome string

const (
	OutcomeConfirm Outcome = "confirm"
	OutcomeDispute Outcome = "dispute"
)

// Service is the confirmation protocol. The provider's completion claim
// arrives through the lifecycle transition to completed, which this
// service observes on the event bus to open the confirmation window; the
// client then confirms or disputes, and the expiry sweep auto-releases
// windows nobody attended to.
type Service struct {
	store  store.Store
	clock  clock.Clock
	bus    *events.Dispatcher
	window time.Duration
	log    zerolog.Logger
}

func NewService(st store.Store, clk clock.Clock, bus *events.Dispatcher, window time.Duration, log zerolog.Logger) *Service {
	return &Service{store: st, clock: clk, bus: bus, window: window, log: log}
}

// Subscribe wires the confirmation-window creation to request completion.
func (s *Service) Subscribe(bus *events.Dispatcher) {
	bus.Subscribe(events.RequestCompleted, func(ctx context.Context, ev events.Event) error {
		return s.open(ctx, ev.RequestID)
	})
}

// open creates the confirmation window when a request reaches completed.
func (s *Service) open(ctx context.Context, requestID string) error {
	now := s.clock.Now()
	c := &models.TaskConfirmation{
		ID:        uuid.New().String(),
		RequestID: requestID,
		ExpiresAt: now.Add(s.window),
		CreatedAt: now,
	}
	if err := s.store.CreateConfirmation(ctx, c); err != nil {
		return err
	}
	s.log.Info().
		Str("confirmation_id", c.ID).
		Str("request_id", requestID).
		Time("expires_at", c.ExpiresAt).
		Msg("confirmation window opened")
	return nil
}

// Get returns the confirmation for a request to one of its participants.
func (s *Service) Get(ctx context.Context, requestID string, actor models.Actor) (*models.TaskConfirmation, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID && actor.ID != r.ProviderID && actor.Role != models.RoleAdmin {
		return nil, apperr.New(apperr.Forbidden, "not a participant of this request")
	}
	return s.store.GetConfirmationByRequest(ctx, requestID)
}

// Resolve applies the client's confirm or dispute decision. Confirm
// releases the escrow; dispute freezes it for manual resolution.
func (s *Service) Resolve(ctx context.Context, confirmationID string, actor models.Actor, outcome Outcome, reason string) (*models.TaskConfirmation, error) {
	c, err := s.store.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRequest(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID {
		return nil, apperr.New(apperr.Forbidden, "only the request's client may resolve the confirmation")
	}
	if c.Resolved() {
		return nil, apperr.New(apperr.Conflict, "confirmation already resolved")
	}

	switch outcome {
	case OutcomeConfirm:
		swapped, err := s.store.ConfirmConfirmation(ctx, confirmationID, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if !swapped {
			return nil, apperr.New(apperr.Conflict, "confirmation already resolved")
		}
		if err := s.bus.Dispatch(ctx, events.Event{
			Topic:     events.ConfirmationResolved,
			RequestID: c.RequestID,
			ActorID:   actor.ID,
		}); err != nil {
			return nil, err
		}
		s.log.Info().Str("confirmation_id", confirmationID).Msg("confirmation confirmed by client")

	case OutcomeDispute:
		swapped, err := s.store.DisputeConfirmation(ctx, confirmationID)
		if err != nil {
			return nil, err
		}
		if !swapped {
			return nil, apperr.New(apperr.Conflict, "confirmation already resolved")
		}
		now := s.clock.Now()
		if err := s.store.CreateDispute(ctx, &models.Dispute{
			ID:        uuid.New().String(),
			RequestID: c.RequestID,
			FilerID:   actor.ID,
			Reason:    reason,
			Status:    "open",
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		s.log.Info().Str("confirmation_id", confirmationID).Msg("confirmation disputed, escrow frozen")

	default:
		return nil, apperr.New(apperr.PreconditionFailed, "outcome must be confirm or dispute")
	}

	return s.store.GetConfirmation(ctx, confirmationID)
}

// SweepExpired auto-releases every confirmation whose window elapsed
// without client action. The atomic autoReleased flip is the commit
// point: a sweep instance that loses the flip skips the release, so
// concurrent sweeps release each payment at most once. Per-item failures
// are logged and do not abort the batch; a release that fails after the
// flip is picked up again by the catch-up pass on a later cycle.
func (s *Service) SweepExpired(ctx context.Context) (released int, err error) {
	metrics.IncSweepRun()

	expired, err := s.store.ListExpiredOpen(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	for _, c := range expired {
		claimed, err := s.store.ClaimAutoRelease(ctx, c.ID)
		if err != nil {
			s.log.Error().Err(err).Str("confirmation_id", c.ID).Msg("auto-release claim failed")
			continue
		}
		if !claimed {
			// Someone resolved it between the scan and the claim.
			continue
		}
		metrics.IncSweepClaim()

		if err := s.bus.Dispatch(ctx, events.Event{
			Topic:        events.ConfirmationResolved,
			RequestID:    c.RequestID,
			AutoReleased: true,
		}); err != nil {
			s.log.Error().Err(err).
				Str("confirmation_id", c.ID).
				Str("request_id", c.RequestID).
				Msg("release after auto-claim failed")
			continue
		}
		released++
		s.log.Info().
			Str("confirmation_id", c.ID).
			Str("request_id", c.RequestID).
			Msg("confirmation auto-released")
	}

	if err := s.releaseStuck(ctx); err != nil {
		s.log.Error().Err(err).Msg("release catch-up scan failed")
	}
	return released, nil
}

// releaseStuck re-drives releases for confirmations already resolved in
// the provider's favor whose payment is still in escrow. The flip
// removes them from the expired scan, so a release failure after the
// flip would otherwise strand the payment forever. Recoveries are not
// added to the sweep's released count; a concurrent sweep's in-flight
// release can appear here and re-releasing is a no-op.
func (s *Service) releaseStuck(ctx context.Context) error {
	stuck, err := s.store.ListUnreleasedResolved(ctx)
	if err != nil {
		return err
	}
	for _, c := range stuck {
		if err := s.bus.Dispatch(ctx, events.Event{
			Topic:        events.ConfirmationResolved,
			RequestID:    c.RequestID,
			AutoReleased: c.AutoReleased,
		}); err != nil {
			s.log.Error().Err(err).
				Str("confirmation_id", c.ID).
				Str("request_id", c.RequestID).
				Msg("release retry failed")
			continue
		}
		s.log.Info().
			Str("confirmation_id", c.ID).
			Str("request_id", c.RequestID).
			Msg("stuck release recovered")
	}
	return nil
}
