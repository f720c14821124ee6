// Package server exposes the hub's HTTP and WebSocket surface: message
// ingestion, reply delivery, channel history, the WebSocket subscription
// endpoint, workflow facade routes, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opsloop/opsloop/internal/broadcast"
	"github.com/opsloop/opsloop/internal/metrics"
	"github.com/opsloop/opsloop/internal/providers"
	"github.com/opsloop/opsloop/internal/version"
	"github.com/opsloop/opsloop/internal/workflow"
)

// Server is one hub instance's HTTP surface. All collaborators are passed
// in explicitly; two Servers in one test process never share state.
type Server struct {
	hub      *broadcast.Manager
	registry *providers.PendingPromptRegistry
	orch     *workflow.Orchestrator
	metrics  *metrics.Metrics
	log      *logrus.Entry
	router   chi.Router

	httpServer *http.Server
}

// New assembles the router. orch may be nil (workflow routes are not
// mounted); m may be nil (no /metrics endpoint, no instrumentation).
func New(hub *broadcast.Manager, registry *providers.PendingPromptRegistry, orch *workflow.Orchestrator, m *metrics.Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		hub:      hub,
		registry: registry,
		orch:     orch,
		metrics:  m,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/messages", func(r chi.Router) {
		r.Post("/", s.handlePostMessage)
		r.Post("/{id}/response", s.handlePostResponse)
	})
	r.Get("/api/channels/{name}/messages", s.handleGetChannelMessages)
	r.Get("/ws", s.handleWebSocket)

	if orch != nil {
		r.Route("/api/v1/workflows", func(r chi.Router) {
			r.Get("/", s.handleListDefinitions)
			r.Post("/{name}/executions", s.handleStartExecution)
			r.Get("/executions/{id}", s.handleExecutionStatus)
			r.Get("/executions/{id}/logs", s.handleExecutionLogs)
			r.Get("/approvals", s.handleListApprovals)
			r.Post("/approvals/{id}/approve", s.handleApprove)
			r.Post("/approvals/{id}/deny", s.handleDeny)
		})
	}

	s.router = r
	return s
}

// Handler returns the assembled router, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving on addr until ctx is cancelled, then
// drains with a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.WithField("addr", addr).Info("server listening")

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"commit": version.GitCommit,
	})
}

// writeJSON renders v with status, logging (not masking) encode failures.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
