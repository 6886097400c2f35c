package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server wraps the HTTP listener with sane timeouts and graceful
// shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a server for the service on addr.
func NewServer(addr string, svc *Service) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           svc.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      2 * time.Minute, // lock waits can be slow
			IdleTimeout:       2 * time.Minute,
		},
		logger: slog.Default().With("component", "api"),
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
