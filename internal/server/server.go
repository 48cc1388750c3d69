// Package server exposes the operator HTTP API: health, position queries and
// lifecycle actions, maintenance triggers and a live position event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/server/handler"
	"github.com/alanyoungcy/positionengine/internal/server/middleware"
	"github.com/alanyoungcy/positionengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Positions   *handler.PositionHandler
	Maintenance *handler.MaintenanceHandler
}

// Server is the operator HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	registerRoutes(mux, handlers, hub)

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func registerRoutes(mux *http.ServeMux, handlers Handlers, hub *ws.Hub) {
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if p := handlers.Positions; p != nil {
		mux.HandleFunc("GET /api/positions", p.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", p.GetPosition)
		mux.HandleFunc("GET /api/positions/{id}/pnl", p.GetPnL)
		mux.HandleFunc("GET /api/positions/{id}/audit", p.ListAudit)
		mux.HandleFunc("POST /api/positions/{id}/cancel", p.CancelPending)
		mux.HandleFunc("POST /api/positions/{id}/liquidation-check", p.CheckLiquidation)
		mux.HandleFunc("POST /api/positions/{id}/profit-sharing", p.ProfitSharing)
	}
	if handlers.Maintenance != nil {
		mux.HandleFunc("POST /api/maintenance/{job}", handlers.Maintenance.Trigger)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws/positions", hub.HandleWS)
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
