// Package core provides the HTTP chassis for the resolver ledger API.
// It creates a chi router usable both as a standalone HTTP server and behind
// AWS Lambda Proxy Integration. It enforces cross-cutting concerns (recovery,
// request ids, logging, metrics, authentication) before requests reach the
// domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"resolver/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of handler routes on a router. Handler
// packages provide registrars so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies for the ledger API.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount under /v1 and require a bearer key.
	V1RouteRegistrars []RouteRegistrar

	// WebhookRouteRegistrars mount under /webhooks. Webhook handlers
	// authenticate the caller themselves.
	WebhookRouteRegistrars []RouteRegistrar

	router  *chi.Mux
	closers []func()
}

// NewServer prepares a server for route mounting. The caller mounts routes
// via MountRoutes after filling in registrars and probes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown, in reverse registration
// order.
func (s *Server) OnShutdown(fn func()) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases server resources such as the database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown interrupted: %w", err)
		}
		s.closers[i]()
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
