// Package server implements the collector's HTTP API: trace ingestion from
// clients and read access to stored traces.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiseki-ai/kiseki/internal/ratelimit"
	"github.com/kiseki-ai/kiseki/internal/sink"
	"github.com/kiseki-ai/kiseki/internal/storage"
)

// Server is the collector HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store  storage.Store
	Buffer sink.Sink
	Logger *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	// APIKey, when non-empty, is required as a bearer token on /v1 routes.
	APIKey string

	// Limiter, when non-nil, rate limits ingest requests by client IP.
	Limiter ratelimit.Limiter

	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		store:   cfg.Store,
		buffer:  cfg.Buffer,
		logger:  cfg.Logger,
		version: cfg.Version,
		maxBody: cfg.MaxRequestBodyBytes,
	}

	mux := http.NewServeMux()

	var ingest http.Handler = http.HandlerFunc(h.HandleIngest)
	if cfg.Limiter != nil {
		ingest = ratelimit.Middleware(cfg.Limiter, cfg.Logger)(ingest)
	}
	mux.Handle("POST /v1/traces", ingest)
	mux.HandleFunc("GET /v1/traces", h.HandleListTraces)
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)

	// Health and API docs (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPI)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
