// Package ingest runs one webhook delivery end to end: verify, parse, dedupe,
// record, dispatch, respond. It knows nothing about HTTP routing; the webhook
// package adapts it to chi.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/hookline/internal/ledger"
	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/signature"
	"github.com/mattjoyce/hookline/internal/source"
)

// Orchestrator is safe for concurrent use. There is no global lock; two
// deliveries of the same event are serialized by ledger.Claim.
type Orchestrator struct {
	cfg      Config
	ledger   *ledger.Ledger
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, l *ledger.Ledger, registry *Registry, logger *slog.Logger) *Orchestrator {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		ledger:   l,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry exposes the handler table for registration at startup.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Process handles one delivery and always returns a Response; it never
// panics on handler failure.
func (o *Orchestrator) Process(ctx context.Context, req Request) Response {
	start := o.now()
	logger := o.logger.With("source", string(req.Source))

	if !req.Source.Valid() {
		return o.reject(logger, start, fmt.Errorf("%w: %q", ErrUnknownSource, req.Source))
	}
	if err := payload.CheckSize(req.Body); err != nil {
		return o.reject(logger, start, err)
	}

	hdrs := req.Source.Headers()
	if err := o.authenticate(logger, req, hdrs); err != nil {
		return o.reject(logger, start, err)
	}

	var hint string
	if hdrs.EventType != "" {
		hint = req.Header.Get(hdrs.EventType)
	}
	ev, err := payload.Parse(req.Body, req.Source, hint)
	if err != nil {
		return o.reject(logger.With("event_type", hint), start, err)
	}

	var delivery string
	if hdrs.Delivery != "" {
		delivery = req.Header.Get(hdrs.Delivery)
	}
	key := payload.IdempotencyKey(ev, delivery, start)
	ev.ID = key.ID
	logger = logger.With("event_type", ev.Type, "event_id", key.ID)
	if key.Kind == payload.KeyRandom {
		logger.Debug("no stable id for event; deduplication is best-effort")
	}

	if o.ledger.IsProcessed(ctx, key.ID) {
		return o.duplicate(logger, start, key.ID)
	}

	// From the claim on, ledger writes must land even if the client has gone.
	wctx := context.WithoutCancel(ctx)
	entry := ledger.Entry{ID: key.ID, Source: ev.Source, EventType: ev.Type, Payload: ev.Body}
	switch res, err := o.ledger.Claim(wctx, entry, o.cfg.ClaimLease); {
	case err != nil:
		// Fail open: the provider's redelivery is the safety net.
		logger.Error("claim failed; dispatching without a ledger claim", "category", CategoryStorage, "error", err)
	case res == ledger.ClaimAlreadyProcessed:
		return o.duplicate(logger, start, key.ID)
	case res == ledger.ClaimInProgress:
		logger.Info("webhook in progress elsewhere", "outcome", outcomeInProgress, "duration_ms", o.since(start))
		return Response{Status: http.StatusConflict, Success: false, Error: ErrInProgress.Error(), EventID: key.ID}
	}

	return o.dispatch(wctx, logger, start, ev, key.ID)
}

// authenticate returns nil when the delivery may proceed.
func (o *Orchestrator) authenticate(logger *slog.Logger, req Request, hdrs source.Headers) error {
	sc := o.cfg.Sources[req.Source]
	if sc.SkipVerification && req.Source == source.Test {
		logger.Warn("signature verification bypassed", "security", true)
		return nil
	}
	if sc.Secret == "" {
		return signature.ErrMissingSecret
	}
	v := signature.Verifier{Tolerance: sc.Tolerance, Now: o.now}
	return v.Verify(req.Source, req.Body, req.Header.Get(hdrs.Signature), sc.Secret)
}

// dispatch runs the handler for an event this process has claimed and
// records the result. ctx must already be detached from the caller's
// cancellation.
func (o *Orchestrator) dispatch(ctx context.Context, logger *slog.Logger, start time.Time, ev *payload.Event, id string) Response {
	out, err := o.run(ctx, ev)

	entry := ledger.Entry{ID: id, Source: ev.Source, EventType: ev.Type, Payload: ev.Body}
	retryable := false
	switch {
	case err != nil:
		entry.Error = err.Error()
		retryable = true
	case !out.Success:
		entry.Error = failureMessage(out)
		retryable = out.ShouldRetry
	default:
		entry.Processed = true
	}

	o.ledger.LogEvent(ctx, entry)

	if entry.Processed {
		o.ledger.MarkProcessed(ctx, id)
		msg := out.Message
		if msg == "" {
			msg = "processed"
		}
		logger.Info("webhook processed", "outcome", outcomeSucceeded, "duration_ms", o.since(start))
		return Response{Status: http.StatusOK, Success: true, Message: msg, EventID: id}
	}

	if retryable {
		logger.Warn("webhook handler failed", "outcome", outcomeFailedRetryable, "category", CategoryHandlerRetryable,
			"duration_ms", o.since(start), "error", entry.Error)
		return Response{Status: http.StatusInternalServerError, Success: false, Error: entry.Error, EventID: id}
	}
	logger.Warn("webhook handler failed", "outcome", outcomeFailedTerminal, "category", CategoryHandlerTerminal,
		"duration_ms", o.since(start), "error", entry.Error)
	return Response{Status: http.StatusOK, Success: false, Message: out.Message, Error: entry.Error, EventID: id}
}

type handlerResult struct {
	out Outcome
	err error
}

// run resolves and invokes the handler. The handler context survives client
// disconnects; only the configured timeout ends it.
func (o *Orchestrator) run(ctx context.Context, ev *payload.Event) (Outcome, error) {
	h, ok := o.registry.Lookup(ev.Source, ev.Type)
	if !ok {
		return Outcome{Error: fmt.Sprintf("%s for %s/%s", ErrNoHandler, ev.Source, ev.Type)}, nil
	}

	hctx := context.WithoutCancel(ctx)
	if o.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, o.cfg.HandlerTimeout)
		defer cancel()
	}

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		out, err := h(hctx, ev)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return r.out, fmt.Errorf("%w after %s: %v", ErrHandlerTimeout, o.cfg.HandlerTimeout, r.err)
		}
		return r.out, r.err
	case <-hctx.Done():
		return Outcome{}, fmt.Errorf("%w after %s", ErrHandlerTimeout, o.cfg.HandlerTimeout)
	}
}

func (o *Orchestrator) reject(logger *slog.Logger, start time.Time, err error) Response {
	status, category := classifyRejection(err)
	attrs := []any{"outcome", outcomeRejected, "category", category, "status", status, "duration_ms", o.since(start), "error", err}
	if category == CategoryAuth {
		attrs = append(attrs, "security", true)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("webhook rejected", attrs...)
	} else {
		logger.Warn("webhook rejected", attrs...)
	}
	return Response{Status: status, Success: false, Error: publicError(err)}
}

func (o *Orchestrator) duplicate(logger *slog.Logger, start time.Time, id string) Response {
	logger.Info("webhook already processed", "outcome", outcomeAlreadyProcessed, "duration_ms", o.since(start))
	return Response{Status: http.StatusOK, Success: true, Message: alreadyProcessedMessage, EventID: id}
}

func (o *Orchestrator) since(start time.Time) int64 {
	return o.now().Sub(start).Milliseconds()
}

func failureMessage(out Outcome) string {
	switch {
	case out.Error != "":
		return out.Error
	case out.Message != "":
		return out.Message
	default:
		return errHandlerReported.Error()
	}
}

// publicError keeps signature details out of responses; the log has them.
func publicError(err error) string {
	switch {
	case errors.Is(err, signature.ErrMissingSecret):
		return "webhook source not configured"
	case errors.Is(err, payload.ErrPayloadTooLarge):
		return payload.ErrPayloadTooLarge.Error()
	case errors.Is(err, payload.ErrInvalidJSON), errors.Is(err, payload.ErrInvalidShape), errors.Is(err, ErrUnknownSource):
		return err.Error()
	default:
		return "invalid signature"
	}
}
