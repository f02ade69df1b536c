package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookline/internal/ingest"
	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/source"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	processor Processor
	queue     DepthReporter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new webhook server instance. queue may be nil, in which
// case /healthz reports a depth of zero.
func New(config Config, processor Processor, queue DepthReporter, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 || config.MaxBodyBytes > payload.MaxBodyBytes {
		config.MaxBodyBytes = DefaultMaxBodySize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:    config,
		processor: processor,
		queue:     queue,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.HandlerTimeout + writeTimeoutPadding,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "admin_enabled", s.config.AdminAPIKey != "")

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		// In-flight handlers get their full timeout to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.HandlerTimeout+5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/webhooks/{source}", s.handleWebhook)

	if s.config.AdminAPIKey != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/admin/events/{id}/retry", s.handleRetry)
		})
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Log request (no body content for security)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook handles POST /webhooks/{source}.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	src := source.Source(chi.URLParam(r, "source"))

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodyBytes+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if src.Valid() && int64(len(body)) > s.config.MaxBodyBytes {
		s.logger.Warn("webhook rejected", "source", string(src), "outcome", "rejected",
			"category", ingest.CategoryInvalidPayload, "status", http.StatusRequestEntityTooLarge,
			"request_id", middleware.GetReqID(r.Context()))
		s.respondJSON(w, http.StatusRequestEntityTooLarge, ingest.Response{Error: payload.ErrPayloadTooLarge.Error()})
		return
	}

	resp := s.processor.Process(r.Context(), ingest.Request{
		Source: src,
		Body:   body,
		Header: r.Header,
	})
	s.respondJSON(w, resp.Status, resp)
}

// handleRetry handles POST /admin/events/{id}/retry.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp, err := s.processor.Retry(r.Context(), id)
	switch {
	case err == nil:
		s.respondJSON(w, resp.Status, resp)
	case errors.Is(err, ingest.ErrEventNotFound):
		s.respondError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, ingest.ErrInProgress):
		s.respondJSON(w, http.StatusConflict, resp)
	case errors.Is(err, ingest.ErrUnreplayable):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("retry failed", "event_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "retry failed")
	}
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s.queue != nil {
		var err error
		depth, err = s.queue.Depth(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to compute queue depth")
			return
		}
	}

	s.respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
