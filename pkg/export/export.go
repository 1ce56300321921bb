// Package export writes generated lists, such as barcode lists and put
// lists, to a local directory and optionally to S3-compatible storage.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/fsutil"
)

// Sink stores one exported file.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Preflight verifies the destination is writable.
	Preflight(ctx context.Context) error

	// Put stores data under name and returns where it was written.
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Exporter renders a file once and writes it to every configured sink.
type Exporter struct {
	log   logrus.FieldLogger
	sinks []Sink
	now   func() time.Time
}

// New builds an exporter from cfg. With no directory and no S3 upload
// configured, Export only renders.
func New(log logrus.FieldLogger, cfg *config.ExportConfig) *Exporter {
	var sinks []Sink

	if cfg.Dir != "" {
		// Validated with the rest of the config.
		owner, _ := fsutil.ParseOwner(cfg.Owner)
		sinks = append(sinks, NewDirSink(log, cfg.Dir, owner))
	}

	if cfg.S3 != nil && cfg.S3.Enabled {
		sinks = append(sinks, NewS3Sink(log, cfg.S3))
	}

	return NewExporter(log, sinks...)
}

// NewExporter creates an exporter over the given sinks.
func NewExporter(log logrus.FieldLogger, sinks ...Sink) *Exporter {
	return &Exporter{
		log:   log.WithField("component", "export"),
		sinks: sinks,
		now:   time.Now,
	}
}

// Preflight checks every sink.
func (e *Exporter) Preflight(ctx context.Context) error {
	for _, s := range e.sinks {
		if err := s.Preflight(ctx); err != nil {
			return fmt.Errorf("%s sink: %w", s.Name(), err)
		}
	}

	return nil
}

// Export renders a file with render and writes it to every sink. It
// returns the rendered bytes and the locations written.
func (e *Exporter) Export(
	ctx context.Context, name string, render func(io.Writer) error,
) ([]byte, []string, error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return nil, nil, fmt.Errorf("rendering %s: %w", name, err)
	}

	data := buf.Bytes()
	locations := make([]string, 0, len(e.sinks))

	for _, s := range e.sinks {
		loc, err := s.Put(ctx, name, data)
		if err != nil {
			return data, locations, fmt.Errorf("writing %s to %s sink: %w", name, s.Name(), err)
		}

		locations = append(locations, loc)
	}

	if len(locations) > 0 {
		e.log.WithFields(logrus.Fields{
			"file":      name,
			"bytes":     len(data),
			"locations": locations,
		}).Info("Exported file")
	}

	return data, locations, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName builds a file name from parts and the current time, e.g.
// "fifo_Acetone_20250612_140322.csv".
func (e *Exporter) FileName(ext string, parts ...string) string {
	clean := make([]string, 0, len(parts)+1)

	for _, p := range parts {
		p = strings.Trim(unsafeChars.ReplaceAllString(p, "-"), "-")
		if p != "" {
			clean = append(clean, p)
		}
	}

	clean = append(clean, e.now().Format("20060102_150405"))

	return strings.Join(clean, "_") + ext
}

// listTypes covers the export formats regardless of the host's MIME table.
var listTypes = map[string]string{
	".csv": "text/csv; charset=utf-8",
	".txt": "text/plain; charset=utf-8",
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "application/octet-stream"
	}

	if ct, ok := listTypes[ext]; ok {
		return ct
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
