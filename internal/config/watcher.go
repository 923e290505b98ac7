package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the configuration file whenever it changes and hands each
// valid result to apply. Invalid edits are logged and skipped, keeping the
// last good configuration in effect. The returned stop function releases the
// watcher.
func Watch(path string, logger *slog.Logger, apply func(*Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors typically replace the file, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("ignoring config change",
						slog.String("path", path),
						slog.String("error", err.Error()),
					)
					continue
				}
				logger.Info("configuration reloaded", slog.String("path", path))
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return watcher.Close, nil
}
