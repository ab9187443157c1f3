package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
)

// Walk summarises one recursive subscription.
type Walk struct {
	// Dirs is the number of directories subscribed.
	Dirs int
	// Files lists every non-directory entry seen, including symlinks.
	Files []string
}

// Subscribe walks root and subscribes every directory reachable beneath it.
// Symlinked directories are not followed. A directory that vanishes or
// cannot be subscribed is skipped along with its subtree; only a failure to
// subscribe root itself is returned.
func Subscribe(reg *Registry, root string, logger *slog.Logger) (Walk, error) {
	root = filepath.Clean(root)
	var w Walk

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil && path == root {
				return err
			}
			logSkip(logger, "watcher: walk skipped entry", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() {
			w.Files = append(w.Files, path)
			return nil
		}

		if _, err := reg.Add(path); err != nil {
			if path == root {
				return err
			}
			logSkip(logger, "watcher: subscription skipped", path, err)
			return filepath.SkipDir
		}
		w.Dirs++
		return nil
	})
	if err != nil {
		return w, fmt.Errorf("watcher: subscribe tree %q: %w", root, err)
	}
	return w, nil
}

// logSkip reports a skipped subtree. Entries that vanished mid-walk are
// routine and logged at debug level.
func logSkip(logger *slog.Logger, msg, path string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, fs.ErrNotExist) {
		level = slog.LevelDebug
	}
	logger.Log(context.Background(), level, msg,
		slog.String("path", path),
		slog.Any("error", err))
}
