package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc is invoked with the freshly loaded configuration after a change
// to the watched file settles.
type ReloadFunc func(*Config)

// Watcher watches a configuration file and reloads it on change. Rapid
// successive writes (editors, atomic renames) are debounced into a single
// reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *zap.Logger
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, debounce time.Duration, logger *zap.Logger, onReload ReloadFunc) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		logger:   logger.Named("config-watcher"),
	}
}

// Run watches until the context is cancelled. A reload that fails to parse or
// validate is logged and discarded; the previous configuration stays active.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory rather than the file: editors and configuration
	// management tools replace files by rename, which drops a file-level
	// watch on the old inode.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	w.logger.Info("watching configuration file", zap.String("path", w.path))

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("configuration watch error", zap.Error(err))

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("configuration reload rejected, keeping previous configuration",
			zap.Error(err))
		return
	}

	w.logger.Info("configuration reloaded", zap.Int("routes", len(cfg.Routes)))
	w.onReload(cfg)
}
