package rating

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

// Service owns the review flow and the rating aggregator. Every review
// mutation dispatches ReviewMutated, and the aggregator reaction
// recomputes the provider's mean and count from a consistent snapshot.
type Service struct {
	store      store.Store
	clock      clock.Clock
	bus        *events.Dispatcher
	editWindow time.Duration
	log        zerolog.Logger
}

func NewService(st store.Store, clk clock.Clock, bus *events.Dispatcher, editWindow time.Duration, log zerolog.Logger) *Service {
	return &Service{store: st, clock: clk, bus: bus, editWindow: editWindow, log: log}
}

// Subscribe wires the aggregator to review mutations.
func (s *Service) Subscribe(bus *events.Dispatcher) {
	bus.Subscribe(events.ReviewMutated, func(ctx context.Context, ev events.Event) error {
		return s.recompute(ctx, ev.ProviderID)
	})
}

// recompute refreshes the provider's aggregate. A provider whose last
// review was deleted ends at mean 0, count 0, never a stale average.
func (s *Service) recompute(ctx context.Context, providerID string) error {
	agg, err := s.store.RecomputeProviderRating(ctx, providerID)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("provider_id", providerID).
		Float64("rating_avg", agg.RatingAvg).
		Int("rating_count", agg.RatingCount).
		Msg("provider rating recomputed")
	return nil
}

// ReviewInput carries the client-supplied review fields.
type ReviewInput struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (in ReviewInput) validate() error {
	if in.Rating < 1 || in.Rating > 5 {
		return apperr.New(apperr.PreconditionFailed, "rating must be between 1 and 5")
	}
	if len(in.Comment) > 1000 {
		return apperr.New(apperr.PreconditionFailed, "comment too long (max 1000 characters)")
	}
	return nil
}

// Create adds the request's one review. Only the client may review, and
// only once the request is completed.
func (s *Service) Create(ctx context.Context, requestID string, actor models.Actor, in ReviewInput) (*models.Review, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.ClientID {
		return nil, apperr.New(apperr.Forbidden, "only the request's client may review")
	}
	if r.Status != models.RequestCompleted {
		return nil, apperr.New(apperr.PreconditionFailed, "only completed requests can be reviewed")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	review := &models.Review{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		AuthorID:   actor.ID,
		ProviderID: r.ProviderID,
		Rating:     in.Rating,
		Comment:    in.Comment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateReview(ctx, review); err != nil {
		return nil, err
	}
	if err := s.bus.Dispatch(ctx, events.Event{
		Topic:      events.ReviewMutated,
		RequestID:  requestID,
		ActorID:    actor.ID,
		ProviderID: r.ProviderID,
	}); err != nil {
		return nil, err
	}
	return review, nil
}

// Update edits the author's review within the edit window.
func (s *Service) Update(ctx context.Context, reviewID string, actor models.Actor, in ReviewInput) (*models.Review, error) {
	review, err := s.editable(ctx, reviewID, actor)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	review.Rating = in.Rating
	review.Comment = in.Comment
	review.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateReview(ctx, review); err != nil {
		return nil, err
	}
	if err := s.bus.Dispatch(ctx, events.Event{
		Topic:      events.ReviewMutated,
		ActorID:    actor.ID,
		ProviderID: review.ProviderID,
	}); err != nil {
		return nil, err
	}
	return review, nil
}

// Delete removes the author's review within the edit window.
func (s *Service) Delete(ctx context.Context, reviewID string, actor models.Actor) error {
	review, err := s.editable(ctx, reviewID, actor)
	if err != nil {
		return err
	}
	if err := s.store.DeleteReview(ctx, reviewID); err != nil {
		return err
	}
	return s.bus.Dispatch(ctx, events.Event{
		Topic:      events.ReviewMutated,
		ActorID:    actor.ID,
		ProviderID: review.ProviderID,
	})
}

func (s *Service) editable(ctx context.Context, reviewID string, actor models.Actor) (*models.Review, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if actor.ID != review.AuthorID {
		return nil, apperr.New(apperr.Forbidden, "only the review's author may change it")
	}
	if s.clock.Now().After(review.CreatedAt.Add(s.editWindow)) {
		return nil, apperr.New(apperr.Conflict, "review edit window has closed")
	}
	return review, nil
}

// ProviderSummary is the aggregate plus recent reviews for a provider.
type ProviderSummary struct {
	Rating  models.ProviderRating `json:"rating"`
	Reviews []models.Review       `json:"reviews"`
}

// Summary returns the provider's aggregated rating and reviews.
func (s *Service) Summary(ctx context.Context, providerID string) (*ProviderSummary, error) {
	agg, err := s.store.GetProviderRating(ctx, providerID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListProviderReviews(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return &ProviderSummary{Rating: agg, Reviews: reviews}, nil
}

// ByRequest returns the request's review, if any.
func (s *Service) ByRequest(ctx context.Context, requestID string) (*models.Review, error) {
	return s.store.GetReviewByRequest(ctx, requestID)
}
