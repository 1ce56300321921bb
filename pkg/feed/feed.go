// Package feed lists and reads instrument export files from local
// directories or S3-compatible storage.
package feed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/normalize"
)

var (
	// ErrNotFound is returned when a file id does not exist in the feed.
	ErrNotFound = errors.New("feed file not found")

	// ErrUnsupportedFormat is returned for files no decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// FileInfo describes one export file. ID is stable for the life of the
// file and is what Read expects.
type FileInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Feed provides read access to instrument export files without exposing
// where they are stored.
type Feed interface {
	// Name identifies the backend in logs.
	Name() string

	// ListFiles returns the export files matching the naming convention,
	// ordered by ID.
	ListFiles(ctx context.Context) ([]FileInfo, error)

	// Read returns the contents of a file. It returns ErrNotFound when the
	// file is gone.
	Read(ctx context.Context, id string) ([]byte, error)
}

// New builds the feed enabled in cfg, or returns nil when none is enabled.
func New(log logrus.FieldLogger, cfg *config.FeedConfig) (Feed, error) {
	pattern, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling feed pattern: %w", err)
	}

	switch {
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalFeed(log, cfg.Local, pattern), nil
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Feed(log, cfg.S3, pattern), nil
	default:
		return nil, nil
	}
}

// Fetch reads a file from f and decodes it into a table. The raw bytes are
// returned alongside for checksumming.
func Fetch(
	ctx context.Context, f Feed, info FileInfo,
) (*normalize.Table, []byte, error) {
	data, err := f.Read(ctx, info.ID)
	if err != nil {
		return nil, nil, err
	}

	table, err := Decode(info.Name, data)
	if err != nil {
		return nil, data, fmt.Errorf("decoding %s: %w", info.ID, err)
	}

	return table, data, nil
}
