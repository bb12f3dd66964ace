package config

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/zurustar/callcore/internal/logging"
)

// Watcher reloads the configuration file when it changes on disk and hands
// every successfully validated version to onChange.
type Watcher struct {
	manager  *Manager
	path     string
	onChange func(*Config)
	logger   logging.Logger
	fw       *fsnotify.Watcher
}

// NewWatcher starts watching the directory holding path. Editors that replace
// files by rename are covered because the directory is watched, not the file.
func NewWatcher(manager *Manager, path string, onChange func(*Config), logger logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to resolve %s", path)
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	return &Watcher{
		manager:  manager,
		path:     abs,
		onChange: onChange,
		logger:   logger,
		fw:       fw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", logging.ErrorField(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.manager.Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration change",
			logging.StringField("path", w.path),
			logging.ErrorField(err))
		return
	}

	w.logger.Info("Configuration reloaded", logging.StringField("path", w.path))
	w.onChange(cfg)
}
