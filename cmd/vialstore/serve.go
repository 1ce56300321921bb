package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/api"
	"github.com/mmlab/vialstore/pkg/ingest"
	"github.com/mmlab/vialstore/pkg/rack"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator console and background services",
	Long: `Start the operator console HTTP server. When enabled in the config, the
ingest service polls and watches the export feed, and the rack scheduler
assigns pending vials on a cron schedule.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg, cfg.Server.Metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.exporter.Preflight(ctx); err != nil {
		return fmt.Errorf("export preflight: %w", err)
	}

	var services []lifecycle

	if cfg.Ingest.Enabled {
		if a.pipeline.Feed() == nil {
			return fmt.Errorf("ingest is enabled but no feed is configured")
		}

		interval, err := cfg.IngestInterval()
		if err != nil {
			return err
		}

		settle, err := cfg.SettleDelay()
		if err != nil {
			return err
		}

		services = append(services,
			ingest.NewService(log, a.pipeline, interval, cfg.Ingest.Watch, settle))
	}

	if cfg.Assign.Schedule != "" {
		scheduler, err := rack.NewScheduler(log, a.racks, cfg.Assign.Schedule, cfg.Assign.MinReady)
		if err != nil {
			return err
		}

		services = append(services, scheduler)
	}

	deps := api.Deps{
		Store:     a.store,
		Pipeline:  a.pipeline,
		Racks:     a.racks,
		Retrieval: a.retrieval,
		Exporter:  a.exporter,
		Metrics:   a.metrics,
	}

	if a.registry != nil {
		deps.Gatherer = a.registry
	}

	services = append(services, api.NewServer(log, &cfg.Server, deps))

	started := make([]lifecycle, 0, len(services))

	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop service")
			}
		}
	}()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("starting services: %w", err)
		}

		started = append(started, svc)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	return nil
}
