// Package httpapi exposes the feed pipeline over HTTP: feed value queries,
// volume history, health probes, and the metrics endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/feedpulse/feedpulse/internal/config"
	"github.com/feedpulse/feedpulse/internal/manager"
	"github.com/feedpulse/feedpulse/internal/metrics"
)

// maxFeedsPerRequest bounds the feed list of a single request.
const maxFeedsPerRequest = 100

// Server wires the HTTP surface to the data manager.
type Server struct {
	cfg     config.Config
	manager *manager.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
	http    *http.Server
}

// New builds the HTTP server with its route table and middleware chain.
func New(cfg config.Config, mgr *manager.Manager, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		metrics: m,
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}

	router := mux.NewRouter()
	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/feed-values", s.handleFeedValues).Methods(http.MethodPost)
	router.HandleFunc("/feed-values/{votingRoundId}", s.handleFeedValuesForRound).Methods(http.MethodPost)
	router.HandleFunc("/volumes", s.handleVolumes).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until the listener fails or the
// server shuts down.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// uptimeSeconds renders the manager uptime for health payloads.
func (s *Server) uptimeSeconds() float64 {
	return s.manager.Uptime().Round(time.Second).Seconds()
}
