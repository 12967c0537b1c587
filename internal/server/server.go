// Package server implements the HTTP surface every klab service process
// exposes: status and capabilities for discovery, plus a secret-guarded
// message injection endpoint for local tooling.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/service"
)

// StatusSource supplies the live state the discovery endpoints publish.
// The engine implements it.
type StatusSource interface {
	Status() service.Status
	Capabilities() service.Capabilities
}

// Server is the service-side HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Source StatusSource
	Bus    messaging.Bus // optional; nil disables message injection
	Logger *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ServiceSecretHash   string // Argon2id hash; empty disables privileged endpoints
	MaxRequestBodyBytes int64
}

// New creates a server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &handlers{
		source:     cfg.Source,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		maxBody:    cfg.MaxRequestBodyBytes,
		secretHash: cfg.ServiceSecretHash,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /capabilities", h.handleCapabilities)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("POST /api/v2/messages", h.requireSecret(http.HandlerFunc(h.handlePostMessage)))

	// Middleware chain (outermost executes first):
	// request ID -> security headers -> tracing -> logging -> recovery -> handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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
