package confirmation

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
	"github.com/servio-labs/servio/internal/escrow"
	"github.com/servio-labs/servio/internal/events"
	"github.com/servio-labs/servio/internal/gateway"
	"github.com/servio-labs/servio/internal/models"
	"github.com/servio-labs/servio/internal/store"
)

const window = 48 * time.Hour

type stubGateway struct{}

func (stubGateway) CreateCheckout(ctx context.Context, amount int64, payerID, externalRef string) (*gateway.Checkout, error) {
	return &gateway.Checkout{ID: "chk_" + externalRef, URL: "https://pay.test/" + externalRef}, nil
}

type fixture struct {
	st       *store.Memory
	clk      *clock.Fake
	bus      *events.Dispatcher
	svc      *Service
	client   models.Actor
	provider models.Actor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewDispatcher()

	esc := escrow.NewService(st, stubGateway{}, clk, zerolog.Nop())
	esc.Subscribe(bus)

	svc := NewService(st, clk, bus, window, zerolog.Nop())
	svc.Subscribe(bus)

	return &fixture{
		st:       st,
		clk:      clk,
		bus:      bus,
		svc:      svc,
		client:   models.Actor{ID: uuid.New().String(), Role: models.RoleClient},
		provider: models.Actor{ID: uuid.New().String(), Role: models.RoleProvider},
	}
}

// seedCompleted builds a completed request with an escrowed payment and
// an open confirmation window, the state right after the provider's
// completion claim went through.
func (f *fixture) seedCompleted(t *testing.T) (*models.ServiceRequest, *models.Payment, *models.TaskConfirmation) {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()

	r := &models.ServiceRequest{
		ID:          uuid.New().String(),
		ClientID:    f.client.ID,
		ProviderID:  f.provider.ID,
		Status:      models.RequestCompleted,
		Price:       1500,
		Description: "assemble the wardrobe",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.st.CreateRequest(ctx, r))

	pay := &models.Payment{
		ID:          uuid.New().String(),
		RequestID:   r.ID,
		PayerID:     f.client.ID,
		PayeeID:     f.provider.ID,
		Amount:      r.Price,
		Status:      models.PaymentEscrow,
		ExternalRef: uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.st.CreatePayment(ctx, pay))

	require.NoError(t, f.bus.Dispatch(ctx, events.Event{
		Topic:     events.RequestCompleted,
		RequestID: r.ID,
	}))
	c, err := f.st.GetConfirmationByRequest(ctx, r.ID)
	require.NoError(t, err)
	return r, pay, c
}

func TestWindowOpensOnCompletion(t *testing.T) {
	f := setup(t)
	_, _, c := f.seedCompleted(t)

	assert.Equal(t, f.clk.Now().Add(window), c.ExpiresAt)
	assert.False(t, c.Resolved())
}

func TestConfirmReleasesEscrow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, _, c := f.seedCompleted(t)

	got, err := f.svc.Resolve(ctx, c.ID, f.client, OutcomeConfirm, "")
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	assert.False(t, got.AutoReleased)
	require.NotNil(t, got.ConfirmedAt)

	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, pay.Status)
}

func TestResolveOnlyClient(t *testing.T) {
	f := setup(t)
	_, _, c := f.seedCompleted(t)

	_, err := f.svc.Resolve(context.Background(), c.ID, f.provider, OutcomeConfirm, "")
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestResolveTwiceConflicts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _, c := f.seedCompleted(t)

	_, err := f.svc.Resolve(ctx, c.ID, f.client, OutcomeConfirm, "")
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, c.ID, f.client, OutcomeDispute, "changed my mind")
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestDisputeFreezesEscrow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, _, c := f.seedCompleted(t)

	got, err := f.svc.Resolve(ctx, c.ID, f.client, OutcomeDispute, "wardrobe door does not close")
	require.NoError(t, err)
	assert.True(t, got.Disputed)

	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentEscrow, pay.Status, "disputed funds stay frozen in escrow")

	disputes, err := f.st.ListOpenDisputes(ctx)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, r.ID, disputes[0].RequestID)
	assert.Equal(t, f.client.ID, disputes[0].FilerID)

	// The frozen window never auto-releases.
	f.clk.Advance(window + time.Hour)
	released, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestSweepBeforeExpiryIsQuiet(t *testing.T) {
	f := setup(t)
	f.seedCompleted(t)

	f.clk.Advance(window - time.Minute)
	released, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestSweepAutoReleases(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, _, c := f.seedCompleted(t)

	f.clk.Advance(window + time.Second)
	released, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := f.st.GetConfirmation(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.AutoReleased)
	assert.False(t, got.Confirmed)

	pay, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, pay.Status)

	// Once released, later sweeps find nothing.
	released, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestConcurrentSweepsReleaseOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, pay, _ := f.seedCompleted(t)

	f.clk.Advance(window + time.Second)

	const sweeps = 4
	var wg sync.WaitGroup
	counts := make(chan int, sweeps)
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.svc.SweepExpired(ctx)
			assert.NoError(t, err)
			counts <- n
		}()
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	assert.Equal(t, 1, total, "the claim is won exactly once across sweeps")

	var releaseEdges int
	edges, err := f.st.ListTransitions(ctx, "payment", pay.ID)
	require.NoError(t, err)
	for _, e := range edges {
		if e.From == "escrow" && e.To == "approved" {
			releaseEdges++
		}
	}
	assert.Equal(t, 1, releaseEdges)
}

func TestConfirmBeatsSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _, c := f.seedCompleted(t)

	f.clk.Advance(window + time.Second)

	// Client confirms after expiry but before the sweep claims it.
	got, err := f.svc.Resolve(ctx, c.ID, f.client, OutcomeConfirm, "")
	require.NoError(t, err)
	assert.True(t, got.Confirmed)

	released, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	got, err = f.st.GetConfirmation(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.AutoReleased)
}

// flakyStore fails a number of payment status swaps before recovering,
// standing in for a transient database outage during the release.
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

func TestSweepRecoversReleaseFailedAfterClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, pay, c := f.seedCompleted(t)

	// Two failures: the release after the claim and the same-cycle
	// catch-up both hit the outage.
	flaky := &flakyStore{Store: f.st, failures: 2}
	bus := events.NewDispatcher()
	esc := escrow.NewService(flaky, stubGateway{}, f.clk, zerolog.Nop())
	esc.Subscribe(bus)
	svc := NewService(flaky, f.clk, bus, window, zerolog.Nop())

	f.clk.Advance(window + time.Second)

	released, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	// The claim committed but the payment is still held.
	got, err := f.st.GetConfirmation(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, got.AutoReleased)
	held, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentEscrow, held.Status)

	// The next cycle's catch-up pass re-drives the release.
	released, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released, "recoveries are not new auto-releases")

	held, err = f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, held.Status)

	var releaseEdges int
	edges, err := f.st.ListTransitions(ctx, "payment", pay.ID)
	require.NoError(t, err)
	for _, e := range edges {
		if e.From == "escrow" && e.To == "approved" {
			releaseEdges++
		}
	}
	assert.Equal(t, 1, releaseEdges)
}

func TestSweepRecoversReleaseFailedAfterConfirm(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, _, c := f.seedCompleted(t)

	flaky := &flakyStore{Store: f.st, failures: 1}
	bus := events.NewDispatcher()
	esc := escrow.NewService(flaky, stubGateway{}, f.clk, zerolog.Nop())
	esc.Subscribe(bus)
	svc := NewService(flaky, f.clk, bus, window, zerolog.Nop())

	// The confirm commits but its release hits the outage.
	_, err := svc.Resolve(ctx, c.ID, f.client, OutcomeConfirm, "")
	require.Error(t, err)
	got, err := f.st.GetConfirmation(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, got.Confirmed)
	held, err := f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentEscrow, held.Status)

	// The sweep's catch-up pass pays the provider anyway.
	released, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	held, err = f.st.GetPaymentByRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, held.Status)
}
