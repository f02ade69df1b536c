package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/hookline/internal/source"
)

// Status is the lifecycle column of a webhook_events row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned by Store.FindByID for unknown ids.
var ErrNotFound = errors.New("webhook event not found")

// Record is one durable audit row. Payload is always the sanitized body.
type Record struct {
	ID          string
	Source      source.Source
	EventType   string
	Payload     json.RawMessage
	Processed   bool
	ProcessedAt *time.Time
	Error       *string
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is what callers hand to the ledger. Payload is the parsed,
// unsanitized body; the ledger redacts it before any write.
type Entry struct {
	ID        string
	Source    source.Source
	EventType string
	Payload   map[string]any
	Processed bool
	Error     string
}

// ClaimResult is the outcome of Store.Claim.
type ClaimResult int

const (
	// ClaimAcquired means the caller now owns the event and must run the
	// handler and record the outcome.
	ClaimAcquired ClaimResult = iota
	// ClaimAlreadyProcessed means a previous delivery succeeded.
	ClaimAlreadyProcessed
	// ClaimInProgress means another caller holds an unexpired claim.
	ClaimInProgress
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadyProcessed:
		return "already_processed"
	case ClaimInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// statusFor derives the row status written by an upsert.
func statusFor(processed bool, errMsg *string) Status {
	switch {
	case processed:
		return StatusSucceeded
	case errMsg != nil:
		return StatusFailed
	default:
		return StatusPending
	}
}
