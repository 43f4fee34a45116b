package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// ApplyFunc installs a freshly loaded catalog.
type ApplyFunc func(ctx context.Context, c *Catalog) error

// Watcher reloads a catalog directory when one of its YAML files changes.
// A catalog that fails to load or apply is logged and the previous one
// stays in effect.
type Watcher struct {
	dir      string
	apply    ApplyFunc
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(dir string, apply ApplyFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, apply: apply, logger: logger, debounce: DefaultDebounce}
}

// Reload loads the directory and applies it once.
func (w *Watcher) Reload(ctx context.Context) error {
	c, err := Load(w.dir)
	if err != nil {
		return err
	}
	return w.apply(ctx, c)
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching catalog", slog.String("dir", w.dir))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isCatalogFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug("catalog file changed", slog.String("file", event.Name), slog.String("op", event.Op.String()))
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", slog.String("error", err.Error()))
		case <-timer.C:
			if err := w.Reload(ctx); err != nil {
				w.logger.Error("catalog reload failed; keeping previous catalog", slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("catalog reloaded", slog.String("dir", w.dir))
		}
	}
}
