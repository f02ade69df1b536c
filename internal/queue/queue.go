// Package queue is the durable hand-off between webhook ingestion and
// downstream workers. Rows live in the job_queue table created by
// storage.BootstrapSQLite.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a queued job and returns its id. When DedupeKey is set and a
// job with the same key already exists, the existing id is returned and
// nothing is written, so a re-run handler never queues the same event twice.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Source == "" {
		return "", fmt.Errorf("source is empty")
	}
	if req.EventType == "" {
		return "", fmt.Errorf("event type is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO job_queue(
  id, source, event_type, payload, status, attempt, max_attempts, submitted_by, dedupe_key,
  created_at, source_event_id
)
VALUES(?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
ON CONFLICT(dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING;
`, id, req.Source, req.EventType, payload, StatusQueued, maxAttempts, req.SubmittedBy, req.DedupeKey, now, req.SourceEventID)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && req.DedupeKey != nil {
		var existing string
		if err := q.db.QueryRowContext(ctx, "SELECT id FROM job_queue WHERE dedupe_key = ?;", *req.DedupeKey).Scan(&existing); err != nil {
			return "", fmt.Errorf("load deduped job: %w", err)
		}
		return existing, nil
	}
	return id, nil
}

// Depth returns the number of jobs still waiting to be taken.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_queue WHERE status = ?;", StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// Dequeue claims the oldest queued job and marks it running. Returns (nil, nil)
// if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING
  id, source, event_type, payload, status, attempt, max_attempts, submitted_by, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error, source_event_id;
`, StatusQueued, nowS, StatusRunning, nowS)

	var (
		j             Job
		payload       sql.NullString
		dedupeKey     sql.NullString
		createdAtS    string
		startedAtS    sql.NullString
		completedAtS  sql.NullString
		nextRetryAtS  sql.NullString
		lastError     sql.NullString
		sourceEventID sql.NullString
		statusS       string
	)
	err := row.Scan(
		&j.ID, &j.Source, &j.EventType, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError, &sourceEventID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	j.NextRetryAt = parseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if sourceEventID.Valid {
		j.SourceEventID = &sourceEventID.String
	}
	return &j, nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		src           string
		eventType     string
		attempt       int
		submittedBy   string
		createdAt     string
		sourceEventID sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
SELECT source, event_type, attempt, submitted_by, created_at, source_event_id
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&src, &eventType, &attempt, &submittedBy, &createdAt, &sourceEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(
  id, source, event_type, status, attempt, submitted_by, created_at, completed_at, last_error, source_event_id
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", jobID, attempt), src, eventType, status, attempt, submittedBy, createdAt, completedAt, lastError, sourceEventID)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
