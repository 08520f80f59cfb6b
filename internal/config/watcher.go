package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchModelCatalog reloads the catalog whenever models.json is rewritten.
// It returns once the watcher goroutine is installed; the goroutine exits
// with ctx.
func WatchModelCatalog(ctx context.Context, catalog *ModelCatalog, logger *slog.Logger) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(catalog.Path()); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := catalog.Reload(); err != nil {
					logger.Warn("models catalog reload failed", "path", ev.Name, "error", err)
					continue
				}
				logger.Info("models catalog reloaded", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("models catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
