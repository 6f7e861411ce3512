package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/observability"
	"github.com/moose0621/codeql-dashboard/internal/server/handlers"
)

// WebhookPath is where GitHub deliveries are accepted.
const WebhookPath = "/webhooks/github"

func (s *Server) registerRoutes() {
	health := s.opts.Health
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", metricsHandler(s.opts.MetricsPort))

	if api := s.opts.API; api != nil {
		s.router.Route("/api", func(r chi.Router) {
			if api.State != nil {
				r.Get("/state", api.StateHandler)
			}
			r.Post("/sync", api.SyncHandler)
			r.Get("/rate-limit", api.RateLimitHandler)
			r.Post("/dispatch", api.DispatchHandler)
		})
	}

	if s.opts.Webhook != nil {
		s.router.Method(http.MethodPost, WebhookPath, s.opts.Webhook)
	}

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts the gofulmen signal endpoint behind a
// bearer token.
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger
	if s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no admin token set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10,
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
