package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/models"
)

// Memory is an in-process Store used by the engine tests. All mutations
// happen under one mutex, which gives the same linearization guarantees
// the Postgres implementation gets from conditional UPDATEs.
type Memory struct {
	mu sync.Mutex

	requests      map[string]models.ServiceRequest
	payments      map[string]models.Payment
	paymentByReq  map[string]string
	paymentByRef  map[string]string
	confirmations map[string]models.TaskConfirmation
	confByReq     map[string]string
	reviews       map[string]models.Review
	reviewByReq   map[string]string
	ratings       map[string]models.ProviderRating
	disputes      map[string]models.Dispute
	audit         []models.TransitionRecord
	auditSeq      int64
}

func NewMemory() *Memory {
	return &Memory{
		requests:      make(map[string]models.ServiceRequest),
		payments:      make(map[string]models.Payment),
		paymentByReq:  make(map[string]string),
		paymentByRef:  make(map[string]string),
		confirmations: make(map[string]models.TaskConfirmation),
		confByReq:     make(map[string]string),
		reviews:       make(map[string]models.Review),
		reviewByReq:   make(map[string]string),
		ratings:       make(map[string]models.ProviderRating),
		disputes:      make(map[string]models.Dispute),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close()                         {}

// --- requests ---

func (m *Memory) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return apperr.New(apperr.Conflict, "request %s already exists", r.ID)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "request not found")
	}
	return &r, nil
}

func (m *Memory) ListRequestsByParticipant(ctx context.Context, userID string) ([]models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServiceRequest
	for _, r := range m.requests {
		if r.ClientID == userID || r.ProviderID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AssignProvider(ctx context.Context, id, providerID string, price int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return apperr.New(apperr.NotFound, "request not found")
	}
	if r.Status != models.RequestPending {
		return apperr.New(apperr.Conflict, "provider can only be assigned while pending")
	}
	r.ProviderID = providerID
	r.Price = price
	r.UpdatedAt = at
	m.requests[id] = r
	return nil
}

func (m *Memory) CASRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "request not found")
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	m.requests[id] = r
	return true, nil
}

// --- payments ---

func (m *Memory) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.paymentByReq[p.RequestID]; ok {
		return apperr.New(apperr.Conflict, "payment already exists for request")
	}
	m.payments[p.ID] = *p
	m.paymentByReq[p.RequestID] = p.ID
	m.paymentByRef[p.ExternalRef] = p.ID
	return nil
}

func (m *Memory) GetPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.paymentByReq[requestID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	p := m.payments[id]
	return &p, nil
}

func (m *Memory) GetPaymentByExternalRef(ctx context.Context, ref string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.paymentByRef[ref]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	p := m.payments[id]
	return &p, nil
}

func (m *Memory) SetCheckoutURL(ctx context.Context, id, url string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return apperr.New(apperr.NotFound, "payment not found")
	}
	p.CheckoutURL = url
	p.UpdatedAt = at
	m.payments[id] = p
	return nil
}

func (m *Memory) CASPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "payment not found")
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	m.payments[id] = p
	return true, nil
}

func (m *Memory) ListHeldAfterCancel(ctx context.Context) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.Status != models.PaymentPending && p.Status != models.PaymentEscrow {
			continue
		}
		if r, ok := m.requests[p.RequestID]; ok && r.Status == models.RequestCancelled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- confirmations ---

func (m *Memory) CreateConfirmation(ctx context.Context, c *models.TaskConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.confByReq[c.RequestID]; ok {
		return apperr.New(apperr.Conflict, "confirmation already exists for request")
	}
	m.confirmations[c.ID] = *c
	m.confByReq[c.RequestID] = c.ID
	return nil
}

func (m *Memory) GetConfirmation(ctx context.Context, id string) (*models.TaskConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "confirmation not found")
	}
	return &c, nil
}

func (m *Memory) GetConfirmationByRequest(ctx context.Context, requestID string) (*models.TaskConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.confByReq[requestID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "confirmation not found")
	}
	c := m.confirmations[id]
	return &c, nil
}

func (m *Memory) ConfirmConfirmation(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "confirmation not found")
	}
	if c.Resolved() {
		return false, nil
	}
	c.Confirmed = true
	c.ConfirmedAt = &at
	m.confirmations[id] = c
	return true, nil
}

func (m *Memory) DisputeConfirmation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "confirmation not found")
	}
	if c.Resolved() {
		return false, nil
	}
	c.Disputed = true
	m.confirmations[id] = c
	return true, nil
}

func (m *Memory) ClaimAutoRelease(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "confirmation not found")
	}
	if c.Resolved() {
		return false, nil
	}
	c.AutoReleased = true
	m.confirmations[id] = c
	return true, nil
}

func (m *Memory) ListExpiredOpen(ctx context.Context, now time.Time) ([]models.TaskConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskConfirmation
	for _, c := range m.confirmations {
		if !c.Resolved() && !c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) ListUnreleasedResolved(ctx context.Context) ([]models.TaskConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskConfirmation
	for _, c := range m.confirmations {
		if !c.Confirmed && !c.AutoReleased {
			continue
		}
		id, ok := m.paymentByReq[c.RequestID]
		if !ok {
			continue
		}
		if m.payments[id].Status == models.PaymentEscrow {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- reviews / ratings ---

func (m *Memory) CreateReview(ctx context.Context, r *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviewByReq[r.RequestID]; ok {
		return apperr.New(apperr.Conflict, "review already exists for request")
	}
	m.reviews[r.ID] = *r
	m.reviewByReq[r.RequestID] = r.ID
	return nil
}

func (m *Memory) GetReview(ctx context.Context, id string) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "review not found")
	}
	return &r, nil
}

func (m *Memory) GetReviewByRequest(ctx context.Context, requestID string) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.reviewByReq[requestID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "review not found")
	}
	r := m.reviews[id]
	return &r, nil
}

func (m *Memory) UpdateReview(ctx context.Context, r *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[r.ID]; !ok {
		return apperr.New(apperr.NotFound, "review not found")
	}
	m.reviews[r.ID] = *r
	return nil
}

func (m *Memory) DeleteReview(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return apperr.New(apperr.NotFound, "review not found")
	}
	delete(m.reviews, id)
	delete(m.reviewByReq, r.RequestID)
	return nil
}

func (m *Memory) ListProviderReviews(ctx context.Context, providerID string) ([]models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Review
	for _, r := range m.reviews {
		if r.ProviderID == providerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RecomputeProviderRating(ctx context.Context, providerID string) (models.ProviderRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum, count int
	for _, r := range m.reviews {
		if r.ProviderID == providerID {
			sum += r.Rating
			count++
		}
	}
	agg := models.ProviderRating{ProviderID: providerID, RatingCount: count}
	if count > 0 {
		agg.RatingAvg = float64(sum) / float64(count)
	}
	m.ratings[providerID] = agg
	return agg, nil
}

func (m *Memory) GetProviderRating(ctx context.Context, providerID string) (models.ProviderRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratings[providerID], nil
}

// --- disputes ---

func (m *Memory) CreateDispute(ctx context.Context, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = *d
	return nil
}

func (m *Memory) GetDispute(ctx context.Context, id string) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "dispute not found")
	}
	return &d, nil
}

func (m *Memory) ListOpenDisputes(ctx context.Context) ([]models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Dispute
	for _, d := range m.disputes {
		if d.Status == "open" {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ResolveDispute(ctx context.Context, id, resolution, adminID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "dispute not found")
	}
	if d.Status != "open" {
		return false, nil
	}
	d.Status = "resolved"
	d.Resolution = resolution
	d.ResolvedBy = adminID
	d.ResolvedAt = &at
	m.disputes[id] = d
	return true, nil
}

// --- audit ---

func (m *Memory) RecordTransition(ctx context.Context, rec models.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	rec.ID = m.auditSeq
	m.audit = append(m.audit, rec)
	return nil
}

func (m *Memory) ListTransitions(ctx context.Context, entity, entityID string) ([]models.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TransitionRecord
	for _, rec := range m.audit {
		if rec.Entity == entity && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}
