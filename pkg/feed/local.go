package feed

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/config"
)

// Compile-time interface check.
var _ Feed = (*LocalFeed)(nil)

// LocalFeed reads export files from local or cloud-synced directories.
// File IDs have the form "<discovery name>/<path relative to its dir>".
type LocalFeed struct {
	log     logrus.FieldLogger
	pattern *regexp.Regexp
	// paths maps discovery path names to directories.
	paths map[string]string
}

// NewLocalFeed creates a feed over the configured discovery paths.
func NewLocalFeed(
	log logrus.FieldLogger,
	cfg *config.LocalFeedConfig,
	pattern *regexp.Regexp,
) *LocalFeed {
	paths := make(map[string]string, len(cfg.DiscoveryPaths))
	maps.Copy(paths, cfg.DiscoveryPaths)

	return &LocalFeed{
		log:     log.WithField("component", "feed-local"),
		pattern: pattern,
		paths:   paths,
	}
}

// Name returns the backend name.
func (f *LocalFeed) Name() string { return "local" }

// DiscoveryPaths returns the configured discovery path names sorted.
func (f *LocalFeed) DiscoveryPaths() []string {
	keys := make([]string, 0, len(f.paths))
	for k := range f.paths {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Dir returns the directory of a discovery path.
func (f *LocalFeed) Dir(name string) (string, bool) {
	dir, ok := f.paths[name]

	return dir, ok
}

// Matches reports whether a file name follows the export naming
// convention. Office lock files and hidden files never match.
func (f *LocalFeed) Matches(name string) bool {
	if strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".") {
		return false
	}

	return f.pattern.MatchString(name)
}

// ListFiles walks every discovery path recursively.
func (f *LocalFeed) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo

	for _, name := range f.DiscoveryPaths() {
		root := f.paths[name]

		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == root {
					return fs.SkipDir
				}

				return err
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			if d.IsDir() {
				if p != root && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}

				return nil
			}

			if !d.Type().IsRegular() || !f.Matches(d.Name()) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return fmt.Errorf("computing relative path: %w", err)
			}

			files = append(files, FileInfo{
				ID:      name + "/" + filepath.ToSlash(rel),
				Name:    d.Name(),
				Size:    info.Size(),
				ModTime: info.ModTime().UTC(),
			})

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking discovery path %q: %w", name, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })

	return files, nil
}

// Read returns the contents of the file with the given ID.
func (f *LocalFeed) Read(_ context.Context, id string) ([]byte, error) {
	p, err := f.resolve(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // paths are confined to configured dirs
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// Stat returns the FileInfo of a file ID.
func (f *LocalFeed) Stat(id string) (FileInfo, error) {
	p, err := f.resolve(id)
	if err != nil {
		return FileInfo{}, err
	}

	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return FileInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}

	return FileInfo{
		ID:      id,
		Name:    filepath.Base(p),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}, nil
}

// IDForPath maps an absolute file path back to its feed ID.
func (f *LocalFeed) IDForPath(p string) (string, bool) {
	for _, name := range f.DiscoveryPaths() {
		rel, err := filepath.Rel(f.paths[name], p)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		return name + "/" + filepath.ToSlash(rel), true
	}

	return "", false
}

func (f *LocalFeed) resolve(id string) (string, error) {
	name, rel, ok := strings.Cut(id, "/")
	if !ok || rel == "" {
		return "", fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}

	dir, ok := f.paths[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown discovery path %q", ErrNotFound, name)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: id %q escapes its discovery path", ErrNotFound, id)
	}

	return filepath.Join(dir, clean), nil
}
