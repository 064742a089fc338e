package manifest

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the manifest at path whenever it is written or replaced and
// hands every valid revision to onChange. Invalid revisions are logged and
// skipped so the stage keeps its last good catalog. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, onChange func(Manifest), log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors often replace files by rename, which drops a watch on the file
	// itself, so the directory is watched instead.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger := log.With(slog.String("component", "manifest-watch"), slog.String("path", abs))
	logger.Info("watching animation manifest")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			m, err := Load(abs)
			if err != nil {
				logger.Warn("manifest reload failed", slog.String("error", err.Error()))
				continue
			}
			if err := Validate(m); err != nil {
				logger.Warn("manifest reload rejected", slog.String("error", err.Error()))
				continue
			}
			logger.Info("manifest reloaded", slog.Int("animations", len(m.Animations)))
			onChange(m)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("manifest watcher error", slog.String("error", err.Error()))
		}
	}
}
