// Package api exposes the session lifecycle over HTTP: account login and
// registration status, call control, call history, server-sent events for
// the status streams, and the Prometheus scrape endpoint.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialcore/dialcore/internal/api/middleware"
	"github.com/dialcore/dialcore/internal/session"
	"github.com/dialcore/dialcore/internal/storage"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	registry *session.Registry
	accounts storage.AccountRepository
	records  storage.CallRecordRepository
	limiter  *middleware.IPRateLimiter
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. The metrics
// registry may be nil to disable the scrape endpoint.
func NewServer(
	registry *session.Registry,
	accounts storage.AccountRepository,
	records storage.CallRecordRepository,
	metricsReg *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		accounts: accounts,
		records:  records,
		limiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		logger:   logger.With("component", "api"),
	}

	s.routes(metricsReg)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware state.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes(metricsReg *prometheus.Registry) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.limiter))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/account", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/reconnect", s.handleReconnect)
			r.Get("/status", s.handleAccountStatus)
			r.Get("/", s.handleStoredAccounts)
			r.Delete("/{id}", s.handleDeleteAccount)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/dial", s.handleDial)
			r.Get("/active", s.handleActiveCalls)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/answer", s.handleAnswer)
				r.Post("/reject", s.handleReject)
				r.Post("/hangup", s.handleHangup)
				r.Post("/hold", s.handleHold)
				r.Post("/unhold", s.handleUnhold)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/mute", s.handleToggleMute)
				r.Post("/speaker", s.handleToggleSpeaker)
			})
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Get("/{id}", s.handleGetRecord)
			r.Delete("/{id}", s.handleDeleteRecord)
		})

		r.Get("/events", s.handleEvents)
	})

	if metricsReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"account_status": string(s.registry.Account().Status()),
		"active_calls":   s.registry.ActiveCallCount(),
	})
}
