// Package server provides the management HTTP API for the plugin host.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/plughost/internal/host"
	"github.com/HerbHall/plughost/internal/installer"
	"github.com/HerbHall/plughost/internal/registry"
	"github.com/HerbHall/plughost/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// PluginHost is the slice of the host runtime the API drives. Defined here
// (consumer-side) rather than importing the concrete host.
type PluginHost interface {
	Plugins() []registry.Record
	Plugin(id string) (registry.Record, bool)
	OptionValues(id string) map[string]any
	PluginInfo(id string) (string, bool)
	MenuItems() []host.MenuEntry
	SetEnabled(ctx context.Context, id string, enabled bool) error
	ToggleOption(id, key string) (bool, error)
	SetOption(id, key string, value any) error
	Reload(ctx context.Context) error
	Rescan(ctx context.Context) ([]*installer.Job, error)
}

// JobLister lists recorded install jobs. The installer journal satisfies it.
type JobLister interface {
	List(ctx context.Context, limit int) ([]installer.Job, error)
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the management HTTP server.
type Server struct {
	httpServer *http.Server
	host       PluginHost
	jobs       JobLister
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a new Server with middleware and routes. jobs and ready may be
// nil. Additional route registrars (the event stream) mount on the same mux.
func New(cfg Config, h PluginHost, jobs JobLister, logger *zap.Logger, ready ReadinessChecker, extraRoutes ...SimpleRouteRegistrar) *Server {
	mux := http.NewServeMux()

	s := &Server{
		host:   h,
		jobs:   jobs,
		logger: logger,
		mux:    mux,
		ready:  ready,
	}

	s.registerRoutes()
	for _, r := range extraRoutes {
		r.RegisterRoutes(mux)
	}

	// The document itself is registered by importing api/swagger.
	if cfg.Swagger {
		mux.Handle("GET /swagger/", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))
		logger.Info("swagger UI enabled", zap.String("path", "/swagger/"))
	}

	quiet := []string{"GET /healthz", "GET /readyz", "GET /metrics"}

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, quiet),
		HeadersMiddleware,
		AuthMiddleware([]byte(cfg.AuthSecret)),
		RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst),
	}
	if cfg.ReadOnly {
		middlewares = append(middlewares, ReadOnlyMiddleware)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           Chain(recordRoute(mux), middlewares...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
	}

	return s
}

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/v1/plugins/{id}", s.handlePlugin)
	s.mux.HandleFunc("PUT /api/v1/plugins/{id}/enabled", s.handleSetEnabled)
	s.mux.HandleFunc("PUT /api/v1/plugins/{id}/options/{key}", s.handleSetOption)
	s.mux.HandleFunc("POST /api/v1/plugins/{id}/options/{key}/toggle", s.handleToggleOption)
	s.mux.HandleFunc("GET /api/v1/menu", s.handleMenu)
	s.mux.HandleFunc("POST /api/v1/reload", s.handleReload)
	s.mux.HandleFunc("POST /api/v1/installer/rescan", s.handleRescan)
	s.mux.HandleFunc("GET /api/v1/installer/jobs", s.handleJobs)
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is the liveness check: it returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
	Plugins map[string]int    `json:"plugins"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for _, rec := range s.host.Plugins() {
		counts[rec.State.String()]++
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "plughost",
		Version: version.Map(),
		Plugins: counts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
