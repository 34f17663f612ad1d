// Package api serves the solver over HTTP: auction solving, state
// inspection, a WebSocket event stream and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"batch-solver/internal/config"
	"batch-solver/internal/driver"
	"batch-solver/internal/metrics"
)

// EventSource provides the stream of pipeline events.
type EventSource interface {
	Events() <-chan driver.Event
}

// Server runs the HTTP/WebSocket API
type Server struct {
	events   EventSource
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// Backend is what the server needs from the pipeline.
type Backend interface {
	AuctionRunner
	EventSource
}

// NewServer creates a new API server
func NewServer(
	backend Backend,
	instances InstanceProvider,
	cfg config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger)
	handlers := NewHandlers(ctx, backend, instances, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/instance", handlers.HandleInstance)
	mux.HandleFunc("/solve", handlers.HandleSolve)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	// No write timeout: a solve is bounded by its auction deadline.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.API.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		events:   backend,
		hub:      hub,
		handlers: handlers,
		server:   server,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the hub, the event consumer and the HTTP listener. It blocks
// until the server stops.
func (s *Server) Start() error {
	go s.hub.Run(s.ctx)
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads pipeline events and broadcasts them
func (s *Server) consumeEvents() {
	eventsCh := s.events.Events()
	if eventsCh == nil {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-eventsCh:
			s.hub.BroadcastEvent(NewStreamEvent(evt))
		}
	}
}
