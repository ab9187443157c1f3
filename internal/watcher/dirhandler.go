package watcher

import (
	"log/slog"

	"github.com/tripwire/fimd/internal/store"
)

// DirHandler keeps the registry in step with directory-level events.
type DirHandler struct {
	reg    *Registry
	logger *slog.Logger
}

// NewDirHandler returns a DirHandler mutating reg.
func NewDirHandler(reg *Registry, logger *slog.Logger) *DirHandler {
	return &DirHandler{reg: reg, logger: logger}
}

// Handle applies one directory event. For CREATE and MOVED_TO it returns the
// files found while subscribing the new subtree; the kernel may never report
// them because they appeared before the watch existed.
func (h *DirHandler) Handle(kind store.EventKind, dir string) []string {
	switch kind {
	case store.KindCreate, store.KindMovedTo:
		w, err := Subscribe(h.reg, dir, h.logger)
		if err != nil {
			logSkip(h.logger, "watcher: new directory not subscribed", dir, err)
			return nil
		}
		h.logger.Debug("watcher: directory subscribed",
			slog.String("path", dir),
			slog.String("kind", kind.String()),
			slog.Int("dirs", w.Dirs),
			slog.Int("files", len(w.Files)))
		return w.Files
	case store.KindDelete:
		h.reg.Forget(dir)
	case store.KindMovedFrom:
		removed := h.reg.Unsubscribe(dir)
		h.logger.Debug("watcher: directory moved out",
			slog.String("path", dir),
			slog.Int("unsubscribed", len(removed)))
	case store.KindModify, store.KindReconcile:
	}
	return nil
}
