// Package server is walbouncer's optional admin HTTP+WebSocket status
// endpoint (`walbouncer serve-admin`, SPEC_FULL's ambient supplement):
// a read-only view over internal/metrics.Collector for operators, with
// no effect on the WAL-filtering wire protocol itself.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
)

// Server is the HTTP server that serves the session-status REST API and
// WebSocket snapshot feed.
type Server struct {
	collector *metrics.Collector
	cfg       *config.Config
	logger    zerolog.Logger
	hub       *Hub
	srv       *http.Server
}

// New creates a new Server.
func New(collector *metrics.Collector, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		collector: collector,
		cfg:       cfg,
		logger:    logger.With().Str("component", "http-server").Logger(),
		hub:       newHub(collector, logger),
	}
}

// Start begins serving on the given port. It blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	h := &handlers{collector: s.collector, cfg: s.cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/sessions", h.sessions)
	mux.HandleFunc("GET /api/v1/config", h.configHandler)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Int("port", port).Msg("starting admin HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("admin http server error")
		}
	}()
}
