package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/signature"
	"github.com/mattjoyce/hookline/internal/source"
)

var (
	ErrEventNotFound   = errors.New("webhook event not found")
	ErrUnknownSource   = source.ErrUnknownSource
	ErrInProgress      = errors.New("webhook event is being processed")
	ErrUnreplayable    = errors.New("stored payload cannot be replayed")
	ErrHandlerPanic    = errors.New("handler panicked")
	ErrHandlerTimeout  = errors.New("handler timed out")
	ErrNoHandler       = errors.New("no handler registered")
	errHandlerReported = errors.New("handler reported failure")
)

// Outcome is what a handler reports. A returned error (or a panic) is
// treated like Outcome{Success: false, ShouldRetry: true}.
type Outcome struct {
	Success     bool
	Message     string
	Error       string
	ShouldRetry bool
}

// HandlerFunc reacts to one parsed event. ev.Body is the unsanitized body.
// ctx is detached from the inbound request and only ends on handler timeout.
type HandlerFunc func(ctx context.Context, ev *payload.Event) (Outcome, error)

// SourceConfig is the per-source verification setup.
type SourceConfig struct {
	Secret string
	// SkipVerification is honoured for source.Test only.
	SkipVerification bool
	Tolerance        time.Duration
}

// Config tunes the Orchestrator.
type Config struct {
	Sources        map[source.Source]SourceConfig
	HandlerTimeout time.Duration
	ClaimLease     time.Duration
}

// DefaultClaimLease is used when Config.ClaimLease is zero.
const DefaultClaimLease = 5 * time.Minute

// Request is one inbound delivery. Body must be the exact received bytes.
type Request struct {
	Source source.Source
	Body   []byte
	Header http.Header
}

// Response is the JSON reply plus the HTTP status to send it with.
type Response struct {
	Status  int    `json:"-"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

// Failure categories used in logs.
const (
	CategoryAuth             = "auth"
	CategoryConfig           = "config"
	CategoryInvalidPayload   = "invalid_payload"
	CategoryHandlerRetryable = "handler_retryable"
	CategoryHandlerTerminal  = "handler_terminal"
	CategoryStorage          = "storage"
)

// Outcome labels used in logs.
const (
	outcomeSucceeded        = "succeeded"
	outcomeAlreadyProcessed = "already_processed"
	outcomeInProgress       = "in_progress"
	outcomeRejected         = "rejected"
	outcomeFailedRetryable  = "failed_retryable"
	outcomeFailedTerminal   = "failed_terminal"
)

const alreadyProcessedMessage = "already processed"

// classifyRejection maps a verification or parse error to a status and log
// category.
func classifyRejection(err error) (int, string) {
	switch {
	case errors.Is(err, signature.ErrMissingSecret):
		return http.StatusInternalServerError, CategoryConfig
	case errors.Is(err, payload.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, CategoryInvalidPayload
	case errors.Is(err, payload.ErrInvalidJSON), errors.Is(err, payload.ErrInvalidShape):
		return http.StatusBadRequest, CategoryInvalidPayload
	case errors.Is(err, ErrUnknownSource):
		return http.StatusNotFound, CategoryInvalidPayload
	default:
		return http.StatusUnauthorized, CategoryAuth
	}
}
