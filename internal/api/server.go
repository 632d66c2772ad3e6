// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the JSON control surface and the metrics endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/api/handlers"
	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/metrics"
)

// Server wires the handlers onto a chi router and owns the listener.
type Server struct {
	cfg     func() *domain.Config
	jobs    *handlers.JobsHandler
	health  *handlers.HealthHandler
	folders *handlers.FoldersHandler
	metrics *metrics.Manager

	httpServer *http.Server
}

func NewServer(cfg func() *domain.Config, jobs *handlers.JobsHandler, health *handlers.HealthHandler, folders *handlers.FoldersHandler, m *metrics.Manager) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    jobs,
		health:  health,
		folders: folders,
		metrics: m,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", s.jobs.Routes)
		r.Get("/health", s.health.Get)
		r.Get("/folders/counts", s.folders.Counts)
		r.Post("/clients/{client}/cleanup", s.folders.Cleanup)
	})

	if s.metrics != nil && s.cfg().MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.cfg()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api: listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
