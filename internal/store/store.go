package store

import (
	"context"
	"time"

	"github.com/servio-labs/servio/internal/models"
)

// Per-entity contracts the engine depends on. Compare-and-swap methods
// return swapped=false (no error) when the current status did not match,
// which is how concurrent transitions on the same row are linearized.

type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	ListRequestsByParticipant(ctx context.Context, userID string) ([]models.ServiceRequest, error)
	// AssignProvider sets the provider and price while the request is still
	// pending. Fails with Conflict once the request has left pending.
	AssignProvider(ctx context.Context, id, providerID string, price int64, at time.Time) error
	CASRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (bool, error)
}

type PaymentStore interface {
	// CreatePayment fails with Conflict if the request already has a payment.
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error)
	GetPaymentByExternalRef(ctx context.Context, ref string) (*models.Payment, error)
	SetCheckoutURL(ctx context.Context, id, url string, at time.Time) error
	CASPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, at time.Time) (bool, error)
	// ListHeldAfterCancel returns payments still holding funds (pending or
	// escrow) whose request was cancelled, i.e. reversals that did not land.
	ListHeldAfterCancel(ctx context.Context) ([]models.Payment, error)
}

type ConfirmationStore interface {
	// CreateConfirmation fails with Conflict if the request already has one.
	CreateConfirmation(ctx context.Context, c *models.TaskConfirmation) error
	GetConfirmation(ctx context.Context, id string) (*models.TaskConfirmation, error)
	GetConfirmationByRequest(ctx context.Context, requestID string) (*models.TaskConfirmation, error)
	// ConfirmConfirmation flips an open confirmation to confirmed.
	ConfirmConfirmation(ctx context.Context, id string, at time.Time) (bool, error)
	// DisputeConfirmation flips an open confirmation to disputed.
	DisputeConfirmation(ctx context.Context, id string) (bool, error)
	// ClaimAutoRelease atomically flips autoReleased false->true on an open
	// confirmation. The winner of this flip owns the escrow release.
	ClaimAutoRelease(ctx context.Context, id string) (bool, error)
	ListExpiredOpen(ctx context.Context, now time.Time) ([]models.TaskConfirmation, error)
	// ListUnreleasedResolved returns confirmations resolved in the provider's
	// favor (confirmed or auto-released) whose payment is still in escrow,
	// i.e. releases that did not land.
	ListUnreleasedResolved(ctx context.Context) ([]models.TaskConfirmation, error)
}

type ReviewStore interface {
	// CreateReview fails with Conflict if the request already has a review.
	CreateReview(ctx context.Context, r *models.Review) error
	GetReview(ctx context.Context, id string) (*models.Review, error)
	GetReviewByRequest(ctx context.Context, requestID string) (*models.Review, error)
	UpdateReview(ctx context.Context, r *models.Review) error
	DeleteReview(ctx context.Context, id string) error
	ListProviderReviews(ctx context.Context, providerID string) ([]models.Review, error)
	// RecomputeProviderRating recalculates mean and count from the reviews
	// present at call time under an isolated snapshot and persists both.
	RecomputeProviderRating(ctx context.Context, providerID string) (models.ProviderRating, error)
	GetProviderRating(ctx context.Context, providerID string) (models.ProviderRating, error)
}

type DisputeStore interface {
	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id string) (*models.Dispute, error)
	ListOpenDisputes(ctx context.Context) ([]models.Dispute, error)
	// ResolveDispute flips an open dispute to resolved.
	ResolveDispute(ctx context.Context, id, resolution, adminID string, at time.Time) (bool, error)
}

type AuditStore interface {
	RecordTransition(ctx context.Context, rec models.TransitionRecord) error
	ListTransitions(ctx context.Context, entity, entityID string) ([]models.TransitionRecord, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	RequestStore
	PaymentStore
	ConfirmationStore
	ReviewStore
	DisputeStore
	AuditStore

	Ping(ctx context.Context) error
	Close()
}
