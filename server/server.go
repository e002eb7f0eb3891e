// Package server implements the Foreman operator HTTP server: REST API,
// JWT auth, the SSE event stream and the Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/server/api"
	"github.com/GoCodeAlone/foreman/server/ws"
)

// Server is the Foreman HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	engine *engine.Engine
	bus    comms.Bus
	hub    *ws.Hub
	detach func()

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetEngine attaches the coordination engine. Call before Start.
func (s *Server) SetEngine(e *engine.Engine) {
	s.engine = e
}

// SetBus attaches a comms bus; its events feed the SSE stream and the
// history endpoint.
func (s *Server) SetBus(bus comms.Bus) {
	if s.detach != nil {
		s.detach()
	}
	s.bus = bus
	s.detach = s.hub.Attach(bus)
}

// Hub exposes the SSE hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Handler returns the root handler with every route registered.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and detaches from the bus.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Engine:  s.engine,
		Bus:     s.bus,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.engine != nil {
		s.mux.Handle("GET /metrics", s.engine.Metrics().Handler())
	}

	// EventSource can't set headers, so the middleware also accepts ?token=.
	s.mux.Handle("GET /events", s.authMiddleware(http.HandlerFunc(s.hub.ServeSSE)))

	// Protected API
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
