package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/servio-labs/servio/internal/config"
)

// Postgres is the production Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and ensures the engine schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{pool: pool, log: log}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("connected to Postgres")
	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *Postgres) Close()                         { p.pool.Close() }

// ensureSchema creates the engine tables if they don't exist yet.
func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id UUID PRIMARY KEY,
			client_id UUID NOT NULL,
			provider_id UUID NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','accepted','in_progress','completed','cancelled')),
			price BIGINT NULL,
			description TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_client ON requests(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider_id)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL UNIQUE REFERENCES requests(id),
			payer_id UUID NOT NULL,
			payee_id UUID NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','escrow','approved','rejected','refunded','cancelled')),
			external_ref TEXT NOT NULL UNIQUE,
			checkout_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS confirmations (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL UNIQUE REFERENCES requests(id),
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			confirmed_at TIMESTAMPTZ NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			auto_released BOOLEAN NOT NULL DEFAULT FALSE,
			disputed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_open_expiry ON confirmations(expires_at)
			WHERE NOT confirmed AND NOT auto_released AND NOT disputed`,

		`CREATE TABLE IF NOT EXISTS reviews (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL UNIQUE REFERENCES requests(id),
			author_id UUID NOT NULL,
			provider_id UUID NOT NULL,
			rating INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
			comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_provider ON reviews(provider_id)`,

		`CREATE TABLE IF NOT EXISTS provider_ratings (
			provider_id UUID PRIMARY KEY,
			rating_avg DOUBLE PRECISION NOT NULL DEFAULT 0,
			rating_count INT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS disputes (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL REFERENCES requests(id),
			filer_id UUID NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','resolved')),
			resolution TEXT NULL CHECK (resolution IN ('release','refund')),
			resolved_by UUID NULL,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status)`,

		`CREATE TABLE IF NOT EXISTS transitions (
			id BIGSERIAL PRIMARY KEY,
			entity TEXT NOT NULL,
			entity_id UUID NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor_id UUID NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity, entity_id)`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
