package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/clock"
	"github.com/servio-labs/servio/internal/confirmation"
	"github.com/servio-labs/servio/internal/escrow"
	"github.com/servio-labs/servio/internal/events"
	"github.com/servio-labs/servio/internal/gateway"
	"github.com/servio-labs/servio/internal/models"
	"github.com/servio-labs/servio/internal/store"
)

type stubGateway struct {
	fail  bool
	calls int
}

func (s *stubGateway) CreateCheckout(ctx context.Context, amount int64, payerID, externalRef string) (*gateway.Checkout, error) {
	s.calls++
	if s.fail {
		return nil, apperr.New(apperr.UpstreamUnavailable, "payment gateway unreachable")
	}
	return &gateway.Checkout{ID: "chk_" + externalRef, URL: "https://pay.test/" + externalRef}, nil
}

type fixture struct {
	st     *store.Memory
	clk    *clock.Fake
	bus    *events.Dispatcher
	gw     *stubGateway
	svc    *Service
	escrow *escrow.Service
	conf   *confirmation.Service

	client   models.Actor
	provider models.Actor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewDispatcher()
	gw := &stubGateway{}

	f := &fixture{
		st:       st,
		clk:      clk,
		bus:      bus,
		gw:       gw,
		svc:      NewService(st, clk, bus, logger),
		escrow:   escrow.NewService(st, gw, clk, logger),
		conf:     confirmation.NewService(st, clk, bus, 48*time.Hour, logger),
		client:   models.Actor{ID: uuid.New().String(), Role: models.RoleClient},
		provider: models.Actor{ID: uuid.New().String(), Role: models.RoleProvider},
	}
	f.escrow.Subscribe(bus)
	f.conf.Subscribe(bus)
	return f
}

// seedRequest puts a request at the given status directly into the store.
func (f *fixture) seedRequest(t *testing.T, status models.RequestStatus) *models.ServiceRequest {
	t.Helper()
	now := f.clk.Now()
	r := &models.ServiceRequest{
		ID:          uuid.New().String(),
		ClientID:    f.client.ID,
		ProviderID:  f.provider.ID,
		Status:      status,
		Price:       1000,
		Description: "fix the boiler",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.st.CreateRequest(context.Background(), r))
	return r
}

// seedEscrowedPayment attaches a payment already held in escrow.
func (f *fixture) seedEscrowedPayment(t *testing.T, requestID string) *models.Payment {
	t.Helper()
	now := f.clk.Now()
	pay := &models.Payment{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		PayerID:     f.client.ID,
		PayeeID:     f.provider.ID,
		Amount:      1000,
		Status:      models.PaymentEscrow,
		ExternalRef: uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.st.CreatePayment(context.Background(), pay))
	return pay
}

func TestCreateRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, f.client, CreateInput{Description: "mount a shelf"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, f.client.ID, r.ClientID)
	assert.Empty(t, r.ProviderID)

	_, err = f.svc.Create(ctx, f.provider, CreateInput{Description: "nope"})
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestAssignProvider(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, f.client, CreateInput{Description: "mow the lawn"})
	require.NoError(t, err)

	_, err = f.svc.AssignProvider(ctx, r.ID, f.provider, f.provider.ID, 500)
	assert.True(t, apperr.Is(err, apperr.Forbidden), "only the client assigns")

	r, err = f.svc.AssignProvider(ctx, r.ID, f.client, f.provider.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, f.provider.ID, r.ProviderID)
	assert.Equal(t, int64(500), r.Price)

	// Once out of pending, assignment is locked.
	_, err = f.svc.Transition(ctx, r.ID, f.provider, models.RequestAccepted)
	require.NoError(t, err)
	_, err = f.svc.AssignProvider(ctx, r.ID, f.client, uuid.New().String(), 700)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestTransitionTableRejectsEverythingElse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	statuses := []models.RequestStatus{
		models.RequestPending, models.RequestAccepted, models.RequestInProgress,
		models.RequestCompleted, models.RequestCancelled,
	}
	allowed := map[models.RequestStatus][]models.RequestStatus{
		models.RequestPending:    {models.RequestAccepted, models.RequestCancelled},
		models.RequestAccepted:   {models.RequestInProgress, models.RequestCancelled},
		models.RequestInProgress: {models.RequestCompleted, models.RequestCancelled},
	}

	for _, from := range statuses {
		for _, to := range statuses {
			legal := false
			for _, a := range allowed[from] {
				if a == to {
					legal = true
				}
			}
			if legal {
				continue
			}
			for _, actor := range []models.Actor{f.client, f.provider} {
				r := f.seedRequest(t, from)
				_, err := f.svc.Transition(ctx, r.ID, actor, to)
				assert.Truef(t, apperr.Is(err, apperr.InvalidTransition),
					"%s -> %s by %s: got %v", from, to, actor.Role, err)
			}
		}
	}
}

func TestTransitionRoleGates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Client cannot accept or start.
	r := f.seedRequest(t, models.RequestPending)
	_, err := f.svc.Transition(ctx, r.ID, f.client, models.RequestAccepted)
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	r = f.seedRequest(t, models.RequestAccepted)
	_, err = f.svc.Transition(ctx, r.ID, f.client, models.RequestInProgress)
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	// Client cannot complete either.
	r = f.seedRequest(t, models.RequestInProgress)
	f.seedEscrowedPayment(t, r.ID)
	_, err = f.svc.Transition(ctx, r.ID, f.client, models.RequestCompleted)
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	// Outsiders are rejected before anything else.
	stranger := models.Actor{ID: uuid.New().String(), Role: models.RoleProvider}
	_, err = f.svc.Transition(ctx, r.ID, stranger, models.RequestCompleted)
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	// Either party may cancel.
	r = f.seedRequest(t, models.RequestAccepted)
	_, err = f.svc.Transition(ctx, r.ID, f.provider, models.RequestCancelled)
	assert.NoError(t, err)

	r = f.seedRequest(t, models.RequestPending)
	_, err = f.svc.Transition(ctx, r.ID, f.client, models.RequestCancelled)
	assert.NoError(t, err)
}

func TestTransitionNotFound(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Transition(context.Background(), uuid.New().String(), f.client, models.RequestCancelled)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestCompleteRequiresEscrowedPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.seedRequest(t, models.RequestInProgress)
	_, err := f.svc.Transition(ctx, r.ID, f.provider, models.RequestCompleted)
	assert.True(t, apperr.Is(err, apperr.PreconditionFailed), "no payment at all")

	f.seedEscrowedPayment(t, r.ID)
	updated, err := f.svc.Transition(ctx, r.ID, f.provider, models.RequestCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, updated.Status)

	// Completion opened the confirmation window.
	conf, err := f.st.GetConfirmationByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Add(48*time.Hour), conf.ExpiresAt)
	assert.False(t, conf.Confirmed)
	assert.False(t, conf.AutoReleased)

	// Completion alone does not release the money.
	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentEscrow, pay.Status)
}

func TestCancelReversesEscrow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.seedRequest(t, models.RequestInProgress)
	f.seedEscrowedPayment(t, r.ID)

	updated, err := f.svc.Transition(ctx, r.ID, f.client, models.RequestCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, updated.Status)

	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, pay.Status, "escrow must never stay held after cancellation")
}

func TestCancelVoidsPendingPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.seedRequest(t, models.RequestAccepted)
	_, err := f.escrow.CreatePayment(ctx, r.ID, f.client)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, r.ID, f.client, models.RequestCancelled)
	require.NoError(t, err)

	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, pay.Status)
}

func TestConcurrentTransitionsLinearized(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.seedRequest(t, models.RequestPending)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.svc.Transition(ctx, r.ID, f.provider, models.RequestAccepted)
			done <- err
		}()
	}

	var failures int
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			failures++
			assert.True(t, apperr.Is(err, apperr.InvalidTransition))
		}
	}
	assert.Equal(t, 1, failures, "exactly one of two racing accepts succeeds")
}

func TestTransitionAuditTrail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.seedRequest(t, models.RequestPending)
	_, err := f.svc.Transition(ctx, r.ID, f.provider, models.RequestAccepted)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, r.ID, f.provider, models.RequestInProgress)
	require.NoError(t, err)

	edges, err := f.st.ListTransitions(ctx, "request", r.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "pending", edges[0].From)
	assert.Equal(t, "accepted", edges[0].To)
	assert.Equal(t, "in_progress", edges[1].To)
}

// flakyStore fails a number of payment status swaps before recovering,
// standing in for a transient database outage during the cancel cascade.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) CASPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.Store.CASPaymentStatus(ctx, id, from, to, at)
}

func TestCancelReversalRecoveredAfterStoreFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	flaky := &flakyStore{Store: f.st, failures: 1}
	bus := events.NewDispatcher()
	esc := escrow.NewService(flaky, f.gw, f.clk, zerolog.Nop())
	esc.Subscribe(bus)
	svc := NewService(flaky, f.clk, bus, zerolog.Nop())

	r := f.seedRequest(t, models.RequestAccepted)
	f.seedEscrowedPayment(t, r.ID)

	// The cancel commits, then the reversal hits the outage.
	_, err := svc.Transition(ctx, r.ID, f.client, models.RequestCancelled)
	require.Error(t, err)

	got, err := f.st.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, got.Status)
	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentEscrow, pay.Status)

	// Cancelled is terminal, so re-invoking cancel is not a recovery path.
	_, err = svc.Transition(ctx, r.ID, f.client, models.RequestCancelled)
	assert.True(t, apperr.Is(err, apperr.InvalidTransition))

	// The reconciliation pass is.
	reversed, err := esc.ReconcileCancelled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reversed)

	pay, err = f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, pay.Status)
}
