// Package api serves the operator console over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/export"
	"github.com/mmlab/vialstore/pkg/ingest"
	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/metrics"
	"github.com/mmlab/vialstore/pkg/rack"
	"github.com/mmlab/vialstore/pkg/retrieval"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Deps are the components the console operates on. Gatherer may be nil
// when metrics are disabled.
type Deps struct {
	Store     inventory.Store
	Pipeline  *ingest.Pipeline
	Racks     *rack.Engine
	Retrieval *retrieval.Engine
	Exporter  *export.Exporter
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	deps       Deps
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server. The caller owns the lifecycle of
// every dependency.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Deps,
) Server {
	return newServer(log, cfg, deps)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Deps,
) *server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
