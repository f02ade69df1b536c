// Package handlers holds the built-in webhook handler: it filters events by
// the configured type globs and hands accepted ones to the durable job queue.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/mattjoyce/hookline/internal/ingest"
	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/queue"
	"github.com/mattjoyce/hookline/internal/sanitize"
	"github.com/mattjoyce/hookline/internal/source"
)

const submittedBy = "webhook"

// Enqueuer is the subset of *queue.Queue the forwarder needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Forwarder queues accepted events for downstream workers.
type Forwarder struct {
	q      Enqueuer
	events map[source.Source][]string
	logger *slog.Logger
}

// NewForwarder builds a Forwarder. events maps a source to type globs
// (path.Match syntax); a source with no globs accepts every type.
func NewForwarder(q Enqueuer, events map[source.Source][]string, logger *slog.Logger) (*Forwarder, error) {
	for src, globs := range events {
		for _, g := range globs {
			if _, err := path.Match(g, ""); err != nil {
				return nil, fmt.Errorf("%s: bad event pattern %q: %w", src, g, err)
			}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{q: q, events: events, logger: logger}, nil
}

// Register binds the forwarder as the wildcard handler of every source.
// Exact registrations made elsewhere still win.
func (f *Forwarder) Register(reg *ingest.Registry) {
	for _, src := range source.All {
		reg.Register(src, ingest.AnyEventType, f.Handle)
	}
}

// Handle is an ingest.HandlerFunc.
func (f *Forwarder) Handle(ctx context.Context, ev *payload.Event) (ingest.Outcome, error) {
	if !f.Accepts(ev.Source, ev.Type) {
		return ingest.Outcome{Success: false, ShouldRetry: false, Error: fmt.Sprintf("unsupported event type %q", ev.Type)}, nil
	}

	// The queue is durable storage too, so it only ever sees the redacted body.
	body, err := json.Marshal(sanitize.Sanitize(ev.Body, ev.Source))
	if err != nil {
		return ingest.Outcome{Success: false, Error: fmt.Sprintf("encode payload: %v", err)}, nil
	}

	req := queue.EnqueueRequest{
		Source:      string(ev.Source),
		EventType:   ev.Type,
		Payload:     body,
		SubmittedBy: submittedBy,
	}
	if ev.ID != "" {
		id := ev.ID
		req.DedupeKey = &id
		req.SourceEventID = &id
	}

	jobID, err := f.q.Enqueue(ctx, req)
	if err != nil {
		f.logger.Warn("enqueue failed", "source", string(ev.Source), "event_id", ev.ID, "error", err)
		return ingest.Outcome{Success: false, ShouldRetry: true, Error: "queue unavailable"}, nil
	}
	return ingest.Outcome{Success: true, Message: "queued " + jobID}, nil
}

// Accepts reports whether eventType matches one of the globs for src.
func (f *Forwarder) Accepts(src source.Source, eventType string) bool {
	globs := f.events[src]
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := path.Match(g, eventType); ok {
			return true
		}
	}
	return false
}
