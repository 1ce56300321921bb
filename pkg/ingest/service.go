package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/feed"
)

// Service is a background runner that ingests the feed periodically and,
// for local feeds, as soon as new export files settle.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	pipeline *Pipeline
	interval time.Duration
	watcher  *feed.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a background ingestion service. When watch is set and
// the pipeline reads a local feed, new files are ingested once no write
// has been seen for settle.
func NewService(
	log logrus.FieldLogger,
	pipeline *Pipeline,
	interval time.Duration,
	watch bool,
	settle time.Duration,
) Service {
	s := &service{
		log:      log.WithField("component", "ingest-service"),
		pipeline: pipeline,
		interval: interval,
		done:     make(chan struct{}),
	}

	if local, ok := pipeline.Feed().(*feed.LocalFeed); ok && watch {
		s.watcher = feed.NewWatcher(log, local, settle, s.ingestOne)
	}

	return s
}

// Start runs an immediate pass in the background, then one per interval.
// A zero interval disables polling.
func (s *service) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval": s.interval.String(),
		"watch":    s.watcher != nil,
	}).Info("Starting ingestion service")

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return err
		}
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		if s.interval <= 0 {
			return
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the service to stop and waits for it.
func (s *service) Stop() error {
	close(s.done)

	var err error
	if s.watcher != nil {
		err = s.watcher.Stop()
	}

	s.wg.Wait()

	s.log.Info("Ingestion service stopped")

	return err
}

func (s *service) runPass(ctx context.Context) {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.done:
			cancel()
		case <-passCtx.Done():
		}
	}()

	if _, err := s.pipeline.IngestAll(passCtx); err != nil &&
		!errors.Is(err, context.Canceled) {
		s.log.WithError(err).Warn("Ingestion pass failed")
	}
}

func (s *service) ingestOne(ctx context.Context, info feed.FileInfo) {
	report, err := s.pipeline.IngestFile(ctx, info)
	if err != nil {
		s.log.WithError(err).WithField("file", info.ID).Warn("Failed to ingest new export")

		return
	}

	if !report.Skipped {
		s.log.WithFields(logrus.Fields{
			"file":  info.ID,
			"added": report.Added,
		}).Info("Ingested new export")
	}
}
