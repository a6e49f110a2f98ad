package layout

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDebounceInterval is how often the watcher checks for a
	// pending reload.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettle is how long the file must stay quiet before reload.
	watcherSettle = 300 * time.Millisecond
)

// Watcher reloads the layout when its file changes and calls onChange
// when the derived entity set changed.
type Watcher struct {
	provider *Provider
	onChange func(Snapshot)
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the provider's file.
func NewWatcher(p *Provider, onChange func(Snapshot), logger *slog.Logger) *Watcher {
	return &Watcher{provider: p, onChange: onChange, logger: logger}
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// because editors usually replace the file instead of writing in place.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(w.provider.Path())
	dir := filepath.Dir(path)

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching layout dir: %w", err)
	}

	w.logger.Info("layout watcher started", slog.String("path", path))

	var pending time.Time

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < watcherSettle {
				continue
			}

			pending = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	changed, err := w.provider.Reload()
	if err != nil {
		// Keep the previous snapshot; a half-written file is common.
		w.logger.Warn("layout reload failed", slog.String("error", err.Error()))
		return
	}

	if !changed {
		w.logger.Debug("layout reloaded, entity set unchanged")
		return
	}

	snap := w.provider.Current()
	w.logger.Info("layout changed",
		slog.Int("entities", len(snap.EntityIDs)),
		slog.Bool("needs_forecast", snap.NeedsForecast),
	)

	if w.onChange != nil {
		w.onChange(snap)
	}
}
