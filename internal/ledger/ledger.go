// Package ledger is the idempotency and audit layer: a durable Store of
// webhook_events rows plus an advisory Cache of processed ids.
//
// Every payload that reaches a Store passes through the sanitizer first;
// there is no method here that writes an unredacted body.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/hookline/internal/sanitize"
)

// Ledger combines a Store and a Cache. Reads fail open and writes are
// logged rather than returned, so an unavailable database never blocks an
// acknowledgement.
type Ledger struct {
	store     Store
	cache     Cache
	sanitizer *sanitize.Sanitizer
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Store, cache Cache, logger *slog.Logger) *Ledger {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL, DefaultSweepEvery)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     store,
		cache:     cache,
		sanitizer: sanitize.Default,
		logger:    logger,
		now:       time.Now,
	}
}

// IsProcessed checks the cache, then the store. A store error reads as
// "not processed".
func (l *Ledger) IsProcessed(ctx context.Context, id string) bool {
	if l.cache.Seen(ctx, id) {
		return true
	}
	rec, err := l.store.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		l.logger.Warn("ledger lookup failed; treating event as unprocessed", "event_id", id, "error", err)
		return false
	}
	if rec.Processed {
		// Warm the cache so the next redelivery skips the lookup.
		l.cache.Mark(ctx, id)
	}
	return rec.Processed
}

// MarkProcessed records id in the cache.
func (l *Ledger) MarkProcessed(ctx context.Context, id string) {
	l.cache.Mark(ctx, id)
}

// LogEvent upserts the audit row for e and returns what was written. The
// payload is sanitized unconditionally. A write error is logged, not returned.
func (l *Ledger) LogEvent(ctx context.Context, e Entry) *Record {
	rec := l.record(e)
	if err := l.store.Upsert(ctx, rec); err != nil {
		l.logger.Error("audit write failed", "event_id", e.ID, "source", string(e.Source), "category", "storage", "error", err)
	}
	return rec
}

// Claim writes a processing row for e, or reports who already owns it.
func (l *Ledger) Claim(ctx context.Context, e Entry, lease time.Duration) (ClaimResult, error) {
	rec := l.record(e)
	return l.store.Claim(ctx, rec, lease)
}

// Find returns the stored row for id.
func (l *Ledger) Find(ctx context.Context, id string) (*Record, error) {
	return l.store.FindByID(ctx, id)
}

// Sweep evicts expired cache entries.
func (l *Ledger) Sweep(ctx context.Context) {
	l.cache.Sweep(ctx)
}

func (l *Ledger) record(e Entry) *Record {
	rec := &Record{
		ID:        e.ID,
		Source:    e.Source,
		EventType: e.EventType,
		Payload:   l.encode(e),
		Processed: e.Processed,
	}
	if e.Processed {
		at := l.now().UTC()
		rec.ProcessedAt = &at
	} else if e.Error != "" {
		msg := e.Error
		rec.Error = &msg
	}
	rec.Status = statusFor(rec.Processed, rec.Error)
	return rec
}

func (l *Ledger) encode(e Entry) json.RawMessage {
	if e.Payload == nil {
		return nil
	}
	b, err := json.Marshal(l.sanitizer.Sanitize(e.Payload, e.Source))
	if err != nil {
		// Sanitized maps of decoded JSON always marshal; keep the row anyway.
		l.logger.Error("encode sanitized payload", "event_id", e.ID, "error", err)
		return json.RawMessage(fmt.Sprintf("%q", sanitize.Marker))
	}
	return b
}
