package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/gobby-dev/gobbyd/internal/async"
	"github.com/gobby-dev/gobbyd/internal/logging"
)

// Watcher reloads Config from disk whenever its file changes, and
// notifies a callback on every successful reload. The Watcher itself
// applies nothing; what a reload changes is up to the callback.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	logger   logging.Logger
	onChange func(*Config)
}

// NewWatcher starts watching the directory containing path.
func NewWatcher(path string, logger logging.Logger, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsw: fsw, logger: logging.OrNop(logger), onChange: onChange}
	async.Go(w.logger, "config.watcher", w.loop)
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config: reload %s failed: %v", w.path, err)
				continue
			}
			w.logger.Info("config: reloaded %s", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
