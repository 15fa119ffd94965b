package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the event bursts editors produce on save.
const debounceWindow = 250 * time.Millisecond

// Watch re-reads the configuration whenever the file or the global policy
// file changes and hands the freshly loaded config to apply. Only the global
// policy layer and spend pricing are meant to take effect without a restart;
// the caller's apply func enforces that. A file that fails to load keeps the
// previous configuration in force.
//
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := map[string]bool{}
	addTarget := func(target string) {
		abs, err := filepath.Abs(target)
		if err != nil {
			return
		}
		watched[abs] = true
		// Watch the directory, not the file. Editors and atomic writers
		// replace the inode, which drops a direct file watch.
		dir := filepath.Dir(abs)
		if err := watcher.Add(dir); err != nil {
			logger.Warn("config watch failed", "dir", dir, "error", err)
		}
	}

	addTarget(path)
	if cfg, err := Load(path); err == nil && cfg.Policy.GlobalFile != "" {
		addTarget(cfg.Policy.GlobalFile)
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !watched[abs] {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
				continue
			}
			if cfg.Policy.GlobalFile != "" {
				addTarget(cfg.Policy.GlobalFile)
			}
			logger.Info("config reloaded", "path", path)
			apply(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
