// Package metrics serves the Prometheus scrape endpoint and the readiness
// endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/infrastructure/health"
	"github.com/Dennicka/propbot-sub002/internal/safety"
)

// Server exposes /metrics, /healthz and /readyz.
type Server struct {
	port       int
	healthMgr  *health.Manager
	supervisor *safety.Supervisor
	logger     core.ILogger
	srv        *http.Server
}

// NewServer creates the server. healthMgr and supervisor may be nil; the
// corresponding endpoints then degrade to plain liveness.
func NewServer(port int, healthMgr *health.Manager, supervisor *safety.Supervisor, logger core.ILogger) *Server {
	return &Server{
		port:       port,
		healthMgr:  healthMgr,
		supervisor: supervisor,
		logger:     logger.WithField("component", "metrics_server"),
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]string{}
	if s.healthMgr != nil {
		status = s.healthMgr.GetStatus()
		if !s.healthMgr.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.healthMgr == nil || s.supervisor == nil {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": true})
		return
	}
	ready := s.healthMgr.BuildReadiness(s.supervisor.GetSnapshot())
	if !ready.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(ready)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
