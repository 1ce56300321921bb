// Package ingest loads instrument export files into the inventory store.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/mmlab/vialstore/pkg/feed"
	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/metrics"
	"github.com/mmlab/vialstore/pkg/normalize"
)

// defaultConcurrency is the number of files ingested in parallel when no
// explicit concurrency value is configured.
const defaultConcurrency = 4

// ErrNoFeed is returned by IngestAll when no feed is configured.
var ErrNoFeed = errors.New("no export feed configured")

// Report is the outcome of ingesting one table.
type Report struct {
	File       string                `json:"file,omitempty"`
	Source     string                `json:"source"`
	Rows       int                   `json:"rows"`
	Added      int                   `json:"added"`
	Duplicates int                   `json:"duplicates"`
	Failures   []*normalize.RowError `json:"failures,omitempty"`
	Skipped    bool                  `json:"skipped,omitempty"`
}

// Summary is the outcome of a bulk scan.
type Summary struct {
	Files    int               `json:"files"`
	Ingested int               `json:"ingested"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Added    int               `json:"added"`
	Reports  []*Report         `json:"reports,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Pipeline turns export tables into vial facts and Ready status facts.
type Pipeline struct {
	log         logrus.FieldLogger
	store       inventory.Store
	feed        feed.Feed
	feedName    string
	concurrency int
	metrics     *metrics.Metrics
}

// NewPipeline creates a pipeline. f may be nil, in which case only Ingest
// is usable. feedName is the provenance tag written on new status facts.
func NewPipeline(
	log logrus.FieldLogger,
	store inventory.Store,
	f feed.Feed,
	feedName string,
	concurrency int,
	m *metrics.Metrics,
) *Pipeline {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Pipeline{
		log:         log.WithField("component", "ingest"),
		store:       store,
		feed:        f,
		feedName:    feedName,
		concurrency: concurrency,
		metrics:     m,
	}
}

// Feed returns the configured feed, or nil.
func (p *Pipeline) Feed() feed.Feed { return p.feed }

// Ingest normalizes table and stores every valid row. Each row is written
// in its own transaction so a failing row never affects the others. A
// table missing a required column is rejected as a whole.
func (p *Pipeline) Ingest(
	ctx context.Context, table *normalize.Table, source string,
) (*Report, error) {
	res, err := normalize.Normalize(table, source)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Source:     res.Source,
		Rows:       res.Rows,
		Duplicates: len(res.Duplicates),
		Failures:   res.Failures,
	}

	for _, vial := range res.Vials {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var inserted bool

		err := p.store.InTx(ctx, func(tx inventory.Store) error {
			var err error

			inserted, err = tx.UpsertVial(ctx, vial)
			if err != nil {
				return err
			}

			_, err = tx.GetOrCreateStatus(ctx, vial.Barcode, p.feedName)

			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			report.Failures = append(report.Failures, &normalize.RowError{
				Barcode: vial.Barcode,
				Err:     err,
			})

			continue
		}

		if inserted {
			report.Added++
		} else {
			report.Duplicates++
		}
	}

	p.metrics.RowsIngested(report.Added, report.Duplicates, len(report.Failures))

	p.log.WithFields(logrus.Fields{
		"source":     report.Source,
		"rows":       report.Rows,
		"added":      report.Added,
		"duplicates": report.Duplicates,
		"failures":   len(report.Failures),
	}).Info("Ingested export")

	return report, nil
}

// IngestFile reads one feed file and ingests it. Files whose size and
// modification time, or whose checksum, match the ledger are skipped.
func (p *Pipeline) IngestFile(
	ctx context.Context, info feed.FileInfo,
) (*Report, error) {
	if p.feed == nil {
		return nil, ErrNoFeed
	}

	log := p.log.WithFields(logrus.Fields{
		"file": info.ID,
		"size": units.HumanSize(float64(info.Size)),
	})

	entry, err := p.store.GetIngestedFile(ctx, info.ID)
	if err != nil {
		return nil, err
	}

	if entry != nil && entry.Size == info.Size && entry.ModTime.Equal(info.ModTime) {
		log.Debug("Export unchanged, skipping")
		p.metrics.FileIngested("skipped")

		return &Report{File: info.ID, Source: info.Name, Skipped: true}, nil
	}

	table, data, err := feed.Fetch(ctx, p.feed, info)
	if err != nil {
		p.metrics.FileIngested("failed")

		return nil, fmt.Errorf("fetching %s: %w", info.ID, err)
	}

	checksum := Checksum(data)

	if entry != nil && entry.Checksum == checksum {
		log.Debug("Export content unchanged, skipping")

		entry.Size = info.Size
		entry.ModTime = info.ModTime

		if err := p.store.RecordIngestedFile(ctx, entry); err != nil {
			return nil, err
		}

		p.metrics.FileIngested("skipped")

		return &Report{File: info.ID, Source: info.Name, Skipped: true}, nil
	}

	start := time.Now()

	report, err := p.Ingest(ctx, table, info.Name)
	if err != nil {
		p.metrics.FileIngested("failed")

		return nil, fmt.Errorf("ingesting %s: %w", info.ID, err)
	}

	report.File = info.ID

	if err := p.store.RecordIngestedFile(ctx, &inventory.IngestedFile{
		ID:         info.ID,
		Name:       info.Name,
		Size:       info.Size,
		ModTime:    info.ModTime,
		Checksum:   checksum,
		Rows:       report.Rows,
		Added:      report.Added,
		Duplicates: report.Duplicates,
		Failures:   len(report.Failures),
	}); err != nil {
		return report, err
	}

	p.metrics.FileIngested("ingested")

	log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("Recorded export in ledger")

	return report, nil
}

// IngestAll scans the feed and ingests every new or changed file using a
// bounded worker pool. A failing file is logged and reported without
// stopping the scan.
func (p *Pipeline) IngestAll(ctx context.Context) (*Summary, error) {
	if p.feed == nil {
		return nil, ErrNoFeed
	}

	start := time.Now()

	files, err := p.feed.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s feed: %w", p.feed.Name(), err)
	}

	summary := &Summary{Files: len(files)}

	var (
		mu      sync.Mutex
		skipped atomic.Int64
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, info := range files {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			report, err := p.IngestFile(gCtx, info)
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}

				p.log.WithError(err).WithField("file", info.ID).
					Warn("Failed to ingest export")

				mu.Lock()
				defer mu.Unlock()

				if summary.Errors == nil {
					summary.Errors = make(map[string]string, 1)
				}

				summary.Errors[info.ID] = err.Error()
				summary.Failed++

				return nil //nolint:nilerr // log and continue
			}

			if report.Skipped {
				skipped.Add(1)

				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			summary.Ingested++
			summary.Added += report.Added
			summary.Reports = append(summary.Reports, report)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("ingesting files: %w", err)
	}

	summary.Skipped = int(skipped.Load())

	sort.Slice(summary.Reports, func(i, j int) bool {
		return summary.Reports[i].File < summary.Reports[j].File
	})

	p.log.WithFields(logrus.Fields{
		"files":    summary.Files,
		"ingested": summary.Ingested,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"added":    summary.Added,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Ingestion pass completed")

	return summary, nil
}

// Checksum returns the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)

	return hex.EncodeToString(sum[:])
}
