package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file whenever it changes on disk
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
}

// NewWatcher watches path. The parent directory is watched so that editors
// replacing the file by rename are seen too.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{path: abs, watcher: w, onChange: onChange}, nil
}

// Run delivers reloaded configurations until ctx is cancelled. Invalid files
// are logged and skipped; the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(reloadDebounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "error", err)

		case <-debounce:
			debounce = nil
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("config: reload failed, keeping previous configuration",
					"path", w.path,
					"error", err,
				)
				continue
			}
			slog.Info("config: file changed, reloaded", "path", w.path)
			w.onChange(cfg)
		}
	}
}
