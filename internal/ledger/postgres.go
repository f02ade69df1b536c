package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mattjoyce/hookline/internal/source"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps the ledger in Postgres for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a connection pool and fails fast if the database
// is unreachable.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Ping is used by the health endpoint.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	now := p.now().UTC()
	if rec.Status == "" {
		rec.Status = statusFor(rec.Processed, rec.Error)
	}

	err := p.pool.QueryRow(ctx, `
		INSERT INTO webhook_events(
		  id, source, event_type, payload, processed, processed_at, error, status, attempts, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (id) DO UPDATE SET
		  source       = EXCLUDED.source,
		  event_type   = EXCLUDED.event_type,
		  payload      = EXCLUDED.payload,
		  processed    = EXCLUDED.processed,
		  processed_at = EXCLUDED.processed_at,
		  error        = EXCLUDED.error,
		  status       = EXCLUDED.status,
		  updated_at   = EXCLUDED.updated_at
		RETURNING created_at, attempts
	`, rec.ID, string(rec.Source), rec.EventType, nullJSON(rec.Payload), rec.Processed,
		rec.ProcessedAt, rec.Error, string(rec.Status), rec.Attempts, now,
	).Scan(&rec.CreatedAt, &rec.Attempts)
	if err != nil {
		return fmt.Errorf("upsert webhook event %q: %w", rec.ID, err)
	}
	rec.UpdatedAt = now
	return nil
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*Record, error) {
	var (
		rec     Record
		src     string
		payload []byte
		status  string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, source, event_type, payload, processed, processed_at, error, status, attempts, created_at, updated_at
		FROM webhook_events
		WHERE id = $1
	`, id).Scan(&rec.ID, &src, &rec.EventType, &payload, &rec.Processed, &rec.ProcessedAt, &rec.Error, &status, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find webhook event %q: %w", id, err)
	}
	rec.Source = source.Source(src)
	rec.Status = Status(status)
	if len(payload) > 0 {
		rec.Payload = payload
	}
	return &rec, nil
}

// Claim relies on the primary key: the conditional DO UPDATE only fires for a
// claimable row, and RETURNING yields nothing otherwise.
func (p *PostgresStore) Claim(ctx context.Context, rec *Record, lease time.Duration) (ClaimResult, error) {
	if rec.ID == "" {
		return 0, fmt.Errorf("event id is empty")
	}
	now := p.now().UTC()

	var attempts int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO webhook_events(id, source, event_type, payload, processed, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,FALSE,$5,1,$6,$6)
		ON CONFLICT (id) DO UPDATE SET
		  source     = EXCLUDED.source,
		  event_type = EXCLUDED.event_type,
		  payload    = EXCLUDED.payload,
		  status     = EXCLUDED.status,
		  attempts   = webhook_events.attempts + 1,
		  updated_at = EXCLUDED.updated_at
		WHERE NOT webhook_events.processed
		  AND (webhook_events.status IN ($7, $8)
		       OR (webhook_events.status = $5 AND webhook_events.updated_at < $9))
		RETURNING attempts
	`, rec.ID, string(rec.Source), rec.EventType, nullJSON(rec.Payload), string(StatusProcessing), now,
		string(StatusPending), string(StatusFailed), now.Add(-lease),
	).Scan(&attempts)
	if err == nil {
		rec.Attempts = attempts
		rec.Status = StatusProcessing
		return ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim webhook event %q: %w", rec.ID, err)
	}

	var processed bool
	if err := p.pool.QueryRow(ctx, `SELECT processed FROM webhook_events WHERE id = $1`, rec.ID).Scan(&processed); err != nil {
		return 0, fmt.Errorf("read claimed webhook event %q: %w", rec.ID, err)
	}
	if processed {
		return ClaimAlreadyProcessed, nil
	}
	return ClaimInProgress, nil
}
