// Package server exposes the sidecar's HTTP surface: mutation intake, health
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/pkg/metrics"
	"github.com/zoff-tech/go-webhooks/schema"
)

const maxMutationBytes = 1 << 20

// MutationAcceptor takes committed mutations into the webhook pipeline.
type MutationAcceptor interface {
	Accept(ctx context.Context, source string, msg schema.MutationMessage)
}

type Server struct {
	httpServer *http.Server
	acceptor   MutationAcceptor
	logger     logging.Logger
}

func New(cfg config.ServerSettings, acceptor MutationAcceptor, logger logging.Logger) *Server {
	s := &Server{acceptor: acceptor, logger: glog.Ensure(logger)}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mutations", s.mutationsHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return s.logMiddleware(mux)
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) mutationsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMutationBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	msg, err := schema.DecodeMutation(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.acceptor.Accept(r.Context(), "http", msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithContext(r.Context()).Debug("http request",
			"remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
