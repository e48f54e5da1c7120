package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/models"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- requests ---

func (p *Postgres) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO requests (id, client_id, provider_id, status, price, description, scheduled_at, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3,'')::uuid, $4, NULLIF($5,0), $6, $7, $8, $9)`,
		r.ID, r.ClientID, r.ProviderID, r.Status, r.Price, r.Description, r.ScheduledAt, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "request %s already exists", r.ID)
	}
	return err
}

func scanRequest(row pgx.Row) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var provider *string
	var price *int64
	err := row.Scan(&r.ID, &r.ClientID, &provider, &r.Status, &price,
		&r.Description, &r.ScheduledAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "request not found")
		}
		return nil, err
	}
	if provider != nil {
		r.ProviderID = *provider
	}
	if price != nil {
		r.Price = *price
	}
	return &r, nil
}

const requestCols = `id::text, client_id::text, provider_id::text, status, price, description, scheduled_at, created_at, updated_at`

func (p *Postgres) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return scanRequest(p.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM requests WHERE id = $1`, id))
}

func (p *Postgres) ListRequestsByParticipant(ctx context.Context, userID string) ([]models.ServiceRequest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+requestCols+` FROM requests
		 WHERE client_id = $1 OR provider_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Postgres) AssignProvider(ctx context.Context, id, providerID string, price int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE requests SET provider_id = $2, price = $3, updated_at = $4
		 WHERE id = $1 AND status = 'pending'`,
		id, providerID, price, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetRequest(ctx, id); err != nil {
			return err
		}
		return apperr.New(apperr.Conflict, "provider can only be assigned while pending")
	}
	return nil
}

func (p *Postgres) CASRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE requests SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetRequest(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// --- payments ---

func (p *Postgres) CreatePayment(ctx context.Context, pay *models.Payment) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO payments (id, request_id, payer_id, payee_id, amount, status, external_ref, checkout_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.RequestID, pay.PayerID, pay.PayeeID, pay.Amount, pay.Status,
		pay.ExternalRef, pay.CheckoutURL, pay.CreatedAt, pay.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "payment already exists for request")
	}
	return err
}

const paymentCols = `id::text, request_id::text, payer_id::text, payee_id::text, amount, status, external_ref, checkout_url, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var pay models.Payment
	err := row.Scan(&pay.ID, &pay.RequestID, &pay.PayerID, &pay.PayeeID, &pay.Amount,
		&pay.Status, &pay.ExternalRef, &pay.CheckoutURL, &pay.CreatedAt, &pay.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "payment not found")
		}
		return nil, err
	}
	return &pay, nil
}

func (p *Postgres) GetPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error) {
	return scanPayment(p.pool.QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE request_id = $1`, requestID))
}

func (p *Postgres) GetPaymentByExternalRef(ctx context.Context, ref string) (*models.Payment, error) {
	return scanPayment(p.pool.QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE external_ref = $1`, ref))
}

func (p *Postgres) SetCheckoutURL(ctx context.Context, id, url string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE payments SET checkout_url = $2, updated_at = $3 WHERE id = $1`, id, url, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "payment not found")
	}
	return nil
}

func (p *Postgres) CASPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE payments SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, apperr.New(apperr.NotFound, "payment not found")
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) ListHeldAfterCancel(ctx context.Context) ([]models.Payment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT p.id::text, p.request_id::text, p.payer_id::text, p.payee_id::text, p.amount,
		        p.status, p.external_ref, p.checkout_url, p.created_at, p.updated_at
		 FROM payments p
		 JOIN requests r ON r.id = p.request_id
		 WHERE r.status = 'cancelled' AND p.status IN ('pending', 'escrow')
		 ORDER BY p.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pay)
	}
	return out, rows.Err()
}

// --- confirmations ---

func (p *Postgres) CreateConfirmation(ctx context.Context, c *models.TaskConfirmation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO confirmations (id, request_id, confirmed, confirmed_at, expires_at, auto_released, disputed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.RequestID, c.Confirmed, c.ConfirmedAt, c.ExpiresAt, c.AutoReleased, c.Disputed, c.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "confirmation already exists for request")
	}
	return err
}

const confirmationCols = `id::text, request_id::text, confirmed, confirmed_at, expires_at, auto_released, disputed, created_at`

func scanConfirmation(row pgx.Row) (*models.TaskConfirmation, error) {
	var c models.TaskConfirmation
	err := row.Scan(&c.ID, &c.RequestID, &c.Confirmed, &c.ConfirmedAt,
		&c.ExpiresAt, &c.AutoReleased, &c.Disputed, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "confirmation not found")
		}
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) GetConfirmation(ctx context.Context, id string) (*models.TaskConfirmation, error) {
	return scanConfirmation(p.pool.QueryRow(ctx,
		`SELECT `+confirmationCols+` FROM confirmations WHERE id = $1`, id))
}

func (p *Postgres) GetConfirmationByRequest(ctx context.Context, requestID string) (*models.TaskConfirmation, error) {
	return scanConfirmation(p.pool.QueryRow(ctx,
		`SELECT `+confirmationCols+` FROM confirmations WHERE request_id = $1`, requestID))
}

func (p *Postgres) casConfirmation(ctx context.Context, id, set string, args ...any) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE confirmations SET `+set+`
		 WHERE id = $1 AND NOT confirmed AND NOT auto_released AND NOT disputed`,
		append([]any{id}, args...)...)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM confirmations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, apperr.New(apperr.NotFound, "confirmation not found")
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) ConfirmConfirmation(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.casConfirmation(ctx, id, `confirmed = TRUE, confirmed_at = $2`, at)
}

func (p *Postgres) DisputeConfirmation(ctx context.Context, id string) (bool, error) {
	return p.casConfirmation(ctx, id, `disputed = TRUE`)
}

func (p *Postgres) ClaimAutoRelease(ctx context.Context, id string) (bool, error) {
	return p.casConfirmation(ctx, id, `auto_released = TRUE`)
}

func (p *Postgres) ListExpiredOpen(ctx context.Context, now time.Time) ([]models.TaskConfirmation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+confirmationCols+` FROM confirmations
		 WHERE NOT confirmed AND NOT auto_released AND NOT disputed AND expires_at <= $1
		 ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskConfirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *Postgres) ListUnreleasedResolved(ctx context.Context) ([]models.TaskConfirmation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT c.id::text, c.request_id::text, c.confirmed, c.confirmed_at, c.expires_at,
		        c.auto_released, c.disputed, c.created_at
		 FROM confirmations c
		 JOIN payments p ON p.request_id = c.request_id
		 WHERE (c.confirmed OR c.auto_released) AND p.status = 'escrow'
		 ORDER BY c.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskConfirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- reviews / ratings ---

func (p *Postgres) CreateReview(ctx context.Context, r *models.Review) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO reviews (id, request_id, author_id, provider_id, rating, comment, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.RequestID, r.AuthorID, r.ProviderID, r.Rating, r.Comment, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "review already exists for request")
	}
	return err
}

const reviewCols = `id::text, request_id::text, author_id::text, provider_id::text, rating, comment, created_at, updated_at`

func scanReview(row pgx.Row) (*models.Review, error) {
	var r models.Review
	err := row.Scan(&r.ID, &r.RequestID, &r.AuthorID, &r.ProviderID,
		&r.Rating, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "review not found")
		}
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) GetReview(ctx context.Context, id string) (*models.Review, error) {
	return scanReview(p.pool.QueryRow(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE id = $1`, id))
}

func (p *Postgres) GetReviewByRequest(ctx context.Context, requestID string) (*models.Review, error) {
	return scanReview(p.pool.QueryRow(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE request_id = $1`, requestID))
}

func (p *Postgres) UpdateReview(ctx context.Context, r *models.Review) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE reviews SET rating = $2, comment = $3, updated_at = $4 WHERE id = $1`,
		r.ID, r.Rating, r.Comment, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "review not found")
	}
	return nil
}

func (p *Postgres) DeleteReview(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM reviews WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "review not found")
	}
	return nil
}

func (p *Postgres) ListProviderReviews(ctx context.Context, providerID string) ([]models.Review, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE provider_id = $1 ORDER BY created_at DESC`,
		providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RecomputeProviderRating writes mean and count from a single consistent
// snapshot of the reviews table. The nested SELECTs run inside one
// statement, so two concurrent recomputes cannot interleave reads and
// writes of partial state.
func (p *Postgres) RecomputeProviderRating(ctx context.Context, providerID string) (models.ProviderRating, error) {
	var agg models.ProviderRating
	err := p.pool.QueryRow(ctx,
		`INSERT INTO provider_ratings (provider_id, rating_avg, rating_count)
		 SELECT $1::uuid, COALESCE(AVG(rating), 0), COUNT(*) FROM reviews WHERE provider_id = $1
		 ON CONFLICT (provider_id) DO UPDATE
		 SET rating_avg = EXCLUDED.rating_avg, rating_count = EXCLUDED.rating_count
		 RETURNING provider_id::text, rating_avg, rating_count`,
		providerID).Scan(&agg.ProviderID, &agg.RatingAvg, &agg.RatingCount)
	return agg, err
}

func (p *Postgres) GetProviderRating(ctx context.Context, providerID string) (models.ProviderRating, error) {
	agg := models.ProviderRating{ProviderID: providerID}
	err := p.pool.QueryRow(ctx,
		`SELECT rating_avg, rating_count FROM provider_ratings WHERE provider_id = $1`,
		providerID).Scan(&agg.RatingAvg, &agg.RatingCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return agg, nil
	}
	return agg, err
}

// --- disputes ---

func (p *Postgres) CreateDispute(ctx context.Context, d *models.Dispute) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO disputes (id, request_id, filer_id, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.RequestID, d.FilerID, d.Reason, d.Status, d.CreatedAt)
	return err
}

const disputeCols = `id::text, request_id::text, filer_id::text, reason, status, COALESCE(resolution,''), COALESCE(resolved_by::text,''), created_at, resolved_at`

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.RequestID, &d.FilerID, &d.Reason, &d.Status,
		&d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "dispute not found")
		}
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) GetDispute(ctx context.Context, id string) (*models.Dispute, error) {
	return scanDispute(p.pool.QueryRow(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE id = $1`, id))
}

func (p *Postgres) ListOpenDisputes(ctx context.Context) ([]models.Dispute, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE status = 'open' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveDispute(ctx context.Context, id, resolution, adminID string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE disputes SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = $4
		 WHERE id = $1 AND status = 'open'`,
		id, resolution, adminID, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetDispute(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// --- audit ---

func (p *Postgres) RecordTransition(ctx context.Context, rec models.TransitionRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transitions (entity, entity_id, from_status, to_status, actor_id, at)
		 VALUES ($1, $2, $3, $4, NULLIF($5,'')::uuid, $6)`,
		rec.Entity, rec.EntityID, rec.From, rec.To, rec.ActorID, rec.At)
	return err
}

func (p *Postgres) ListTransitions(ctx context.Context, entity, entityID string) ([]models.TransitionRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, entity, entity_id::text, from_status, to_status, COALESCE(actor_id::text,''), at
		 FROM transitions WHERE entity = $1 AND entity_id = $2 ORDER BY id`,
		entity, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransitionRecord
	for rows.Next() {
		var rec models.TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.Entity, &rec.EntityID, &rec.From, &rec.To, &rec.ActorID, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
