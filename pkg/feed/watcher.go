package feed

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Handler is called with a file that has settled after being created or
// written.
type Handler func(ctx context.Context, info FileInfo)

// Watcher notifies a Handler when export files appear in a LocalFeed's
// directories. Each file is handed over once no event for it has been
// seen for the settle delay, so half-written exports are not read.
type Watcher struct {
	log    logrus.FieldLogger
	feed   *LocalFeed
	delay  time.Duration
	handle Handler

	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewWatcher creates a watcher over every discovery path of feed.
func NewWatcher(
	log logrus.FieldLogger,
	feed *LocalFeed,
	delay time.Duration,
	handle Handler,
) *Watcher {
	return &Watcher{
		log:    log.WithField("component", "watcher"),
		feed:   feed,
		delay:  delay,
		handle: handle,
		timers: make(map[string]*time.Timer, 8),
	}
}

// Start begins watching. Directories created later are watched as well.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}

	w.fsw = fsw

	for _, name := range w.feed.DiscoveryPaths() {
		dir, _ := w.feed.Dir(name)

		if err := w.addRecursive(dir); err != nil {
			_ = fsw.Close()

			return fmt.Errorf("watching discovery path %q: %w", name, err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		w.run(ctx)
	}()

	w.log.WithFields(logrus.Fields{
		"paths":        len(w.feed.DiscoveryPaths()),
		"settle_delay": w.delay.String(),
	}).Info("Watching for new export files")

	return nil
}

// Stop stops watching and waits for running handlers to return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopped = true

	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}

	w.wg.Wait()

	return err
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.WithError(err).Warn("Watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if !ev.Has(fsnotify.Create) || strings.HasPrefix(info.Name(), ".") {
			return
		}

		if err := w.addRecursive(ev.Name); err != nil {
			w.log.WithError(err).WithField("dir", ev.Name).Warn("Failed to watch directory")
		}

		// A directory moved into place may already hold exports.
		_ = filepath.WalkDir(ev.Name, func(p string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() && w.feed.Matches(d.Name()) {
				w.schedule(ctx, p)
			}

			return nil
		})

		return
	}

	if w.feed.Matches(info.Name()) {
		w.schedule(ctx, ev.Name)
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if p != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}

		return w.fsw.Add(p)
	})
}

// schedule (re)arms the settle timer of a file.
func (w *Watcher) schedule(ctx context.Context, p string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	if t, ok := w.timers[p]; ok {
		t.Reset(w.delay)

		return
	}

	w.timers[p] = time.AfterFunc(w.delay, func() { w.fire(ctx, p) })
}

func (w *Watcher) fire(ctx context.Context, p string) {
	w.mu.Lock()
	delete(w.timers, p)

	if w.stopped || ctx.Err() != nil {
		w.mu.Unlock()

		return
	}

	w.wg.Add(1)
	w.mu.Unlock()

	defer w.wg.Done()

	id, ok := w.feed.IDForPath(p)
	if !ok {
		return
	}

	info, err := w.feed.Stat(id)
	if err != nil {
		w.log.WithError(err).WithField("file", id).Debug("Settled file vanished")

		return
	}

	w.log.WithField("file", id).Debug("Export file settled")

	w.handle(ctx, info)
}
