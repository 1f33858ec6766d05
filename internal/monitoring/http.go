// Package monitoring serves the operational HTTP surface: liveness,
// aggregated stats and prometheus metrics. It listens on its own port so the
// WebSocket listener never shares a socket with scrapers.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the broker-side view the endpoints render. The bus server
// implements it.
type StatsSource interface {
	Stats(ctx context.Context) map[string]interface{}
	Health(ctx context.Context) map[string]interface{}
}

// Server is the plain-HTTP monitoring listener.
type Server struct {
	source StatsSource
	log    *slog.Logger

	httpServer *http.Server
}

// NewServer builds the monitoring listener for the given port.
func NewServer(host string, port int, source StatsSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{source: source, log: log}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the monitoring mux.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until Shutdown. ErrServerClosed is a clean exit.
func (s *Server) Start() error {
	s.log.Info("monitoring listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitoring listener: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.source.Health(r.Context())

	code := http.StatusOK
	if status, _ := health["status"].(string); status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Stats(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("monitoring response encode failed", "error", err)
	}
}
