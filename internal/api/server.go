package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"surgewatch/internal/config"
)

// Server runs the operational HTTP endpoints.
type Server struct {
	cfg      config.OpsConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires routes onto an http.Server with conservative timeouts.
func NewServer(cfg config.OpsConfig, provider Provider, metricsHandler http.Handler, logger *slog.Logger) *Server {
	log := logger.With("component", "api-server")
	handlers := NewHandlers(provider, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/universe", handlers.HandleUniverse)
	mux.HandleFunc("/api/model", handlers.HandleModel)
	mux.Handle("/metrics", metricsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{cfg: cfg, handlers: handlers, server: server, logger: log}
}

// Start blocks serving until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
