package ledger

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/hookline/internal/ledger Store

// Store is the durable key-value view of the webhook_events table, keyed by
// event id.
type Store interface {
	// Upsert inserts rec or overwrites every non-key column except
	// created_at and attempts. rec.CreatedAt and rec.Attempts are refreshed
	// from the stored row.
	Upsert(ctx context.Context, rec *Record) error
	// FindByID returns ErrNotFound when no row exists.
	FindByID(ctx context.Context, id string) (*Record, error)
	// Claim atomically inserts rec as processing, or takes over an existing
	// row that is pending, failed, or processing with updated_at older than
	// lease. Exactly one concurrent caller gets ClaimAcquired.
	Claim(ctx context.Context, rec *Record, lease time.Duration) (ClaimResult, error)
}
