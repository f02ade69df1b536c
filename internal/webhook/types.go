package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/hookline/internal/ingest"
)

// Processor is the ingest surface the server drives. *ingest.Orchestrator
// satisfies it.
type Processor interface {
	Process(ctx context.Context, req ingest.Request) ingest.Response
	Retry(ctx context.Context, id string) (ingest.Response, error)
}

// DepthReporter reports the downstream job queue depth for /healthz.
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen string
	// MaxBodyBytes caps request bodies; larger deliveries get 413.
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	// HandlerTimeout bounds a handler run. The write timeout is derived from
	// it so a slow handler still gets its response out.
	HandlerTimeout time.Duration
	// AdminAPIKey guards POST /admin/events/{id}/retry. Empty disables the
	// route.
	AdminAPIKey string
}

// ErrorResponse is the JSON response for transport-level errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// Default values
const (
	DefaultMaxBodySize  = 1048576 // 1 MB
	DefaultReadTimeout  = 10 * time.Second
	writeTimeoutPadding = 10 * time.Second
)
