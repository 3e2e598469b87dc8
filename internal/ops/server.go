// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ops serves the operational endpoints of a panorec daemon:
// health, readiness and Prometheus metrics. Each daemon binds its own
// listener; nothing else is exposed.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/panorec/internal/health"
	plog "github.com/ManuGH/panorec/internal/log"
)

const (
	readTimeout       = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	maxHeaderBytes    = 1 << 20
	shutdownTimeout   = 5 * time.Second

	// Generous for probes, tight enough to shrug off a scrape loop gone wild.
	rateLimit       = 60
	rateLimitWindow = time.Minute
)

// Server is the per-daemon ops listener.
type Server struct {
	srv *http.Server
}

// NewServer wires the ops routes for the given health manager.
func NewServer(listen string, mgr *health.Manager) *Server {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(rateLimit, rateLimitWindow))

	r.Get("/healthz", mgr.ServeHealth)
	r.Get("/readyz", mgr.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully. A bind
// failure surfaces immediately so the daemon can exit with a config error.
func (s *Server) Run(ctx context.Context) error {
	logger := plog.WithComponent("ops")

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.srv.Addr).Msg("ops listener started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops listener shutdown forced")
		return err
	}
	logger.Info().Msg("ops listener stopped")
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
