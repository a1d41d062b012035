package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/chainwatch/pkg/anomaly"
)

// Watch re-reads the YAML file at path whenever it changes and passes the
// detector policy it contains to apply. Invalid files are logged and ignored.
// Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are picked up.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(anomaly.Policy) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config-watch", "path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.InfoContext(ctx, "watching config for policy changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			reload(ctx, target, logger, apply)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "config watcher error", "error", err)
		}
	}
}

func reload(ctx context.Context, path string, logger *slog.Logger, apply func(anomaly.Policy) error) {
	cfg, err := LoadFile(path)
	if err != nil {
		logger.WarnContext(ctx, "config reload rejected", "error", err)
		return
	}
	if err := apply(cfg.Anomaly.Policy); err != nil {
		logger.WarnContext(ctx, "policy reload rejected", "error", err)
		return
	}
	logger.InfoContext(ctx, "anomaly policy reloaded")
}
