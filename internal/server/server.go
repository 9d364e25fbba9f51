// Package server exposes the orchestrator over HTTP: a REST surface for
// workflow control and a WebSocket stream for live events.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amelia-dev/amelia/internal/log"
)

// Server wraps the http.Server with graceful shutdown.
type Server struct {
	http *http.Server
}

// New creates a Server listening on addr with the given handler.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving requests until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
