// Package server exposes the supervisor's metrics and status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/psantana5/conduit-monitor/internal/logging"
	"github.com/psantana5/conduit-monitor/internal/supervisor"
)

// Supervisor is what the status endpoints read and control
type Supervisor interface {
	Status() supervisor.Snapshot
	RequestRestart(reason string)
}

// restartInterval is the minimum spacing of manual restarts
const restartInterval = 10 * time.Second

// Handler serves the status API
type Handler struct {
	sup          Supervisor
	metrics      http.Handler
	restartLimit *rate.Limiter
}

// NewHandler creates the status API handler
func NewHandler(sup Supervisor, metrics http.Handler) *Handler {
	return &Handler{
		sup:          sup,
		metrics:      metrics,
		restartLimit: rate.NewLimiter(rate.Every(restartInterval), 1),
	}
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/metrics", h.metrics).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/restart", h.Restart).Methods("POST")
}

// Health reports 200 while the supervisor is active and 503 once it stopped
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.sup.Status()

	status := http.StatusOK
	health := "healthy"
	if snap.State == supervisor.StateStopped {
		status = http.StatusServiceUnavailable
		health = "stopped"
	}

	writeJSON(w, status, map[string]string{
		"status": health,
		"state":  string(snap.State),
		"mode":   snap.Mode,
	})
}

// Status returns the full supervisor snapshot
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Status())
}

// Restart asks the supervisor to relaunch the worker. Requests closer
// together than restartInterval are rejected with 429.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	if !h.restartLimit.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "restart rate limit exceeded"})
		return
	}
	h.sup.RequestRestart(supervisor.ReasonManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restart requested"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Server is the status HTTP server
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *logging.Logger
}

// New creates a server for addr. It does not listen until Start.
func New(addr string, sup Supervisor, metrics http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}

	router := mux.NewRouter()
	NewHandler(sup, metrics).RegisterRoutes(router)

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.WithField("component", "server"),
	}
}

// Start binds the listen address and serves in the background. A bind
// failure is returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", map[string]interface{}{"error": err})
		}
	}()

	s.logger.Info("Status server listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
