package request

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/clock"
	"github.com/servio-labs/servio/internal/events"
	"github.com/servio-labs/servio/internal/models"
	"github.com/servio-labs/servio/internal/store"
)

// roleGate says who may perform a given transition.
type roleGate int

const (
	// gateProvider: only the request's assigned provider.
	gateProvider roleGate = iota
	// gateParticipant: the request's client or provider.
	gateParticipant
)

// transitionTable is the full allowed-successor set with the required
// actor per edge. Anything absent here is an invalid transition,
// including same-status moves.
var transitionTable = map[models.RequestStatus]map[models.RequestStatus]roleGate{
	models.RequestPending: {
		models.RequestAccepted:  gateProvider,
		models.RequestCancelled: gateParticipant,
	},
	models.RequestAccepted: {
		models.RequestInProgress: gateProvider,
		models.RequestCancelled:  gateParticipant,
	},
	models.RequestInProgress: {
		models.RequestCompleted: gateProvider,
		models.RequestCancelled: gateParticipant,
	},
}

// Service is the request lifecycle manager. It owns the ServiceRequest
// state machine and emits domain events on the terminal-side effects.
type Service struct {
	store store.Store
	clock clock.Clock
	bus   *events.Dispatcher
	log   zerolog.Logger
}

func NewService(st store.Store, clk clock.Clock, bus *events.Dispatcher, log zerolog.Logger) *Service {
	return &Service{store: st, clock: clk, bus: bus, log: log}
}

// CreateInput carries the client-supplied fields of a new request.
type CreateInput struct {
	Description string     `json:"description"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Create opens a new request in pending for the calling client.
func (s *Service) Create(ctx context.Context, actor models.Actor, in CreateInput) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleClient {
		return nil, apperr.New(apperr.Forbidden, "only clients create requests")
	}
	now := s.clock.Now()
	r := &models.ServiceRequest{
		ID:          uuid.New().String(),
		ClientID:    actor.ID,
		Status:      models.RequestPending,
		Description: in.Description,
		ScheduledAt: in.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info().Str("request_id", r.ID).Str("client_id", actor.ID).Msg("request created")
	return r, nil
}

// AssignProvider sets the provider and agreed price. Only the request's
// client may assign, and only while the request is still pending.
func (s *Service) AssignProvider(ctx context.Context, requestID string, actor models.Actor, providerID string, price int64) (*models.ServiceRequest, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID {
		return nil, apperr.New(apperr.Forbidden, "only the request's client may assign a provider")
	}
	if r.Status != models.RequestPending {
		return nil, apperr.New(apperr.Conflict, "provider can only be assigned while pending")
	}
	if providerID == "" || price <= 0 {
		return nil, apperr.New(apperr.PreconditionFailed, "provider and a positive price are required")
	}
	if err := s.store.AssignProvider(ctx, requestID, providerID, price, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.store.GetRequest(ctx, requestID)
}

// Get returns the request to one of its participants.
func (s *Service) Get(ctx context.Context, requestID string, actor models.Actor) (*models.ServiceRequest, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID && actor.ID != r.ProviderID && actor.Role != models.RoleAdmin {
		return nil, apperr.New(apperr.Forbidden, "not a participant of this request")
	}
	return r, nil
}

// ListMine returns all requests the actor participates in.
func (s *Service) ListMine(ctx context.Context, actor models.Actor) ([]models.ServiceRequest, error) {
	return s.store.ListRequestsByParticipant(ctx, actor.ID)
}

// Transition moves a request along the state machine on behalf of actor.
// The transition table is the single source of legality and required
// role; preconditions for entering completed are checked here before the
// status swap, and the completed/cancelled side effects run through the
// event bus after it.
func (s *Service) Transition(ctx context.Context, requestID string, actor models.Actor, target models.RequestStatus) (*models.ServiceRequest, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID && actor.ID != r.ProviderID {
		return nil, apperr.New(apperr.Forbidden, "not a participant of this request")
	}

	gate, ok := transitionTable[r.Status][target]
	if !ok {
		return nil, apperr.New(apperr.InvalidTransition, "cannot move from %s to %s", r.Status, target)
	}
	switch gate {
	case gateProvider:
		if r.ProviderID == "" || actor.ID != r.ProviderID {
			return nil, apperr.New(apperr.Forbidden, "only the assigned provider may move to %s", target)
		}
	case gateParticipant:
		// participant check above suffices
	}

	if target == models.RequestCompleted {
		if err := s.completionPreconditions(ctx, r); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	swapped, err := s.store.CASRequestStatus(ctx, requestID, r.Status, target, now)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Lost a race: the status moved on since we read it, so this
		// transition is no longer starting from a valid state.
		return nil, apperr.New(apperr.InvalidTransition, "request status changed concurrently")
	}

	if err := s.store.RecordTransition(ctx, models.TransitionRecord{
		Entity:   "request",
		EntityID: requestID,
		From:     string(r.Status),
		To:       string(target),
		ActorID:  actor.ID,
		At:       now,
	}); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("record request transition")
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("from", string(r.Status)).
		Str("to", string(target)).
		Str("actor_id", actor.ID).
		Msg("request transitioned")

	switch target {
	case models.RequestCompleted:
		if err := s.bus.Dispatch(ctx, events.Event{
			Topic:     events.RequestCompleted,
			RequestID: requestID,
			ActorID:   actor.ID,
		}); err != nil {
			return nil, err
		}
	case models.RequestCancelled:
		if err := s.bus.Dispatch(ctx, events.Event{
			Topic:     events.RequestCancelled,
			RequestID: requestID,
			ActorID:   actor.ID,
		}); err != nil {
			return nil, err
		}
	}

	return s.store.GetRequest(ctx, requestID)
}

// completionPreconditions gates entry into completed: the provider's
// completion claim only opens a confirmation window when money is
// actually held, and only once.
func (s *Service) completionPreconditions(ctx context.Context, r *models.ServiceRequest) error {
	pay, err := s.store.GetPaymentByRequest(ctx, r.ID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return apperr.New(apperr.PreconditionFailed, "no payment in escrow for this request")
		}
		return err
	}
	if pay.Status != models.PaymentEscrow {
		return apperr.New(apperr.PreconditionFailed, "payment is %s, escrow required", pay.Status)
	}
	if _, err := s.store.GetConfirmationByRequest(ctx, r.ID); err == nil {
		return apperr.New(apperr.Conflict, "confirmation already exists for this request")
	} else if !apperr.Is(err, apperr.NotFound) {
		return err
	}
	return nil
}
