package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/export"
	"github.com/mmlab/vialstore/pkg/feed"
	"github.com/mmlab/vialstore/pkg/ingest"
	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/metrics"
	"github.com/mmlab/vialstore/pkg/rack"
	"github.com/mmlab/vialstore/pkg/retrieval"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	store     inventory.Store
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	pipeline  *ingest.Pipeline
	racks     *rack.Engine
	retrieval *retrieval.Engine
	exporter  *export.Exporter
}

// newApp opens the store and wires the engines. Metrics are only
// collected when withMetrics is set.
func newApp(ctx context.Context, cfg *config.Config, withMetrics bool) (*app, error) {
	a := &app{cfg: cfg}

	if withMetrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(a.registry)
	}

	f, err := feed.New(log, &cfg.Feed)
	if err != nil {
		return nil, fmt.Errorf("creating feed: %w", err)
	}

	a.store = inventory.NewStore(log, &cfg.Database)
	if err := a.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting inventory store: %w", err)
	}

	a.pipeline = ingest.NewPipeline(log, a.store, f, cfg.Feed.Name, cfg.Ingest.Concurrency, a.metrics)
	a.racks = rack.NewEngine(log, a.store, a.metrics)
	a.retrieval = retrieval.NewEngine(log, a.store, a.metrics)
	a.exporter = export.New(log, &cfg.Export)

	return a, nil
}

// Close stops the store.
func (a *app) Close() {
	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop inventory store")
	}
}

// withApp loads the configuration and runs fn against a fresh app.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}
