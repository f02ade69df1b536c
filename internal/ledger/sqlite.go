package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/hookline/internal/source"
)

// Timestamps are fixed-width UTC strings so that lexical order in SQL matches
// time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps the ledger in the webhook_events table of a database
// opened with storage.OpenSQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	now := s.now().UTC()
	if rec.Status == "" {
		rec.Status = statusFor(rec.Processed, rec.Error)
	}

	var createdS string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_events(
  id, source, event_type, payload, processed, processed_at, error, status, attempts, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  source       = excluded.source,
  event_type   = excluded.event_type,
  payload      = excluded.payload,
  processed    = excluded.processed,
  processed_at = excluded.processed_at,
  error        = excluded.error,
  status       = excluded.status,
  updated_at   = excluded.updated_at
RETURNING created_at, attempts;
`, rec.ID, string(rec.Source), rec.EventType, nullJSON(rec.Payload), rec.Processed,
		formatNullTime(rec.ProcessedAt), rec.Error, string(rec.Status), rec.Attempts,
		now.Format(sqliteTimeFormat), now.Format(sqliteTimeFormat),
	).Scan(&createdS, &rec.Attempts)
	if err != nil {
		return fmt.Errorf("upsert webhook event %q: %w", rec.ID, err)
	}
	rec.CreatedAt = parseTime(createdS)
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, source, event_type, payload, processed, processed_at, error, status, attempts, created_at, updated_at
FROM webhook_events
WHERE id = ?;
`, id)

	var (
		rec        Record
		src        string
		payload    sql.NullString
		processedS sql.NullString
		errMsg     sql.NullString
		status     string
		createdS   string
		updatedS   string
	)
	err := row.Scan(&rec.ID, &src, &rec.EventType, &payload, &rec.Processed, &processedS, &errMsg, &status, &rec.Attempts, &createdS, &updatedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find webhook event %q: %w", id, err)
	}

	rec.Source = source.Source(src)
	rec.Status = Status(status)
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	if processedS.Valid {
		t := parseTime(processedS.String)
		rec.ProcessedAt = &t
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	rec.CreatedAt = parseTime(createdS)
	rec.UpdatedAt = parseTime(updatedS)
	return &rec, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, rec *Record, lease time.Duration) (ClaimResult, error) {
	if rec.ID == "" {
		return 0, fmt.Errorf("event id is empty")
	}
	now := s.now().UTC()
	nowS := now.Format(sqliteTimeFormat)
	staleS := now.Add(-lease).Format(sqliteTimeFormat)

	var attempts int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_events(
  id, source, event_type, payload, processed, status, attempts, created_at, updated_at
)
VALUES(?, ?, ?, ?, 0, ?, 1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  source     = excluded.source,
  event_type = excluded.event_type,
  payload    = excluded.payload,
  status     = excluded.status,
  attempts   = webhook_events.attempts + 1,
  updated_at = excluded.updated_at
WHERE webhook_events.processed = 0
  AND (webhook_events.status IN (?, ?)
       OR (webhook_events.status = ? AND webhook_events.updated_at < ?))
RETURNING attempts;
`, rec.ID, string(rec.Source), rec.EventType, nullJSON(rec.Payload), string(StatusProcessing), nowS, nowS,
		string(StatusPending), string(StatusFailed), string(StatusProcessing), staleS,
	).Scan(&attempts)
	if err == nil {
		rec.Attempts = attempts
		rec.Status = StatusProcessing
		return ClaimAcquired, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("claim webhook event %q: %w", rec.ID, err)
	}

	// The conditional update did not fire: someone else finished or holds it.
	var processed bool
	if err := s.db.QueryRowContext(ctx, "SELECT processed FROM webhook_events WHERE id = ?;", rec.ID).Scan(&processed); err != nil {
		return 0, fmt.Errorf("read claimed webhook event %q: %w", rec.ID, err)
	}
	if processed {
		return ClaimAlreadyProcessed, nil
	}
	return ClaimInProgress, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
