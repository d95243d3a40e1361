package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the freshly reloaded configuration.
type ChangeHandler func(cfg *Config)

// Watcher hot-reloads the config file and notifies handlers. Only
// runtime-swappable knobs (compression thresholds, dispatch timeout)
// are expected to take effect; ports and the agents table apply at the
// next dispatch or restart.
type Watcher struct {
	path     string
	handlers []ChangeHandler
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	logger   *zap.Logger
}

func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}, nil
}

// OnChange registers a handler; call before Start.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.handlers = append(w.handlers, h)
}

// Start watches the config file's directory (editors replace files
// rather than write in place, so watching the file itself misses
// renames).
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	w.logger.Info("Config watcher started", zap.String("path", w.path))
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	for _, h := range w.handlers {
		h(cfg)
	}
}

// Stop ends the watch loop.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}
