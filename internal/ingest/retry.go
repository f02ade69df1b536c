package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattjoyce/hookline/internal/ledger"
	"github.com/mattjoyce/hookline/internal/payload"
)

// Retry re-runs the handler for a stored event against its sanitized
// payload and records the result the same way Process does. Retrying a
// processed event is a successful no-op.
//
// Errors are ErrEventNotFound, ErrInProgress, ErrUnreplayable or a storage
// failure; handler failures are reported in the Response.
func (o *Orchestrator) Retry(ctx context.Context, id string) (Response, error) {
	start := o.now()
	logger := o.logger.With("event_id", id, "trigger", "retry")

	rec, err := o.ledger.Find(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return Response{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		logger.Error("retry lookup failed", "category", CategoryStorage, "error", err)
		return Response{}, fmt.Errorf("load event %s: %w", id, err)
	}
	logger = logger.With("source", string(rec.Source), "event_type", rec.EventType)

	if rec.Processed {
		return o.duplicate(logger, start, id), nil
	}

	ev, err := replayEvent(rec)
	if err != nil {
		logger.Warn("retry rejected", "category", CategoryInvalidPayload, "error", err)
		return Response{}, err
	}

	wctx := context.WithoutCancel(ctx)
	entry := ledger.Entry{ID: id, Source: ev.Source, EventType: ev.Type, Payload: ev.Body}
	res, err := o.ledger.Claim(wctx, entry, o.cfg.ClaimLease)
	if err != nil {
		logger.Error("retry claim failed", "category", CategoryStorage, "error", err)
		return Response{}, fmt.Errorf("claim event %s: %w", id, err)
	}
	switch res {
	case ledger.ClaimAlreadyProcessed:
		return o.duplicate(logger, start, id), nil
	case ledger.ClaimInProgress:
		return Response{Status: http.StatusConflict, Error: ErrInProgress.Error(), EventID: id}, ErrInProgress
	}

	logger.Info("retrying webhook")
	return o.dispatch(wctx, logger, start, ev, id), nil
}

// replayEvent rebuilds an Event from a stored row. The stored type wins over
// whatever the body says, matching what the original delivery was routed on.
func replayEvent(rec *ledger.Record) (*payload.Event, error) {
	if len(rec.Payload) == 0 {
		return nil, fmt.Errorf("%w: no stored payload", ErrUnreplayable)
	}
	ev, err := payload.Parse(rec.Payload, rec.Source, rec.EventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreplayable, err)
	}
	ev.ID = rec.ID
	ev.Type = rec.EventType
	return ev, nil
}
