package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tripwire/fimd/internal/fspath"
)

// Registry is the bidirectional association between watch descriptors and
// the directories they cover. It issues subscriptions through a Source but
// does not own it: closing the Source remains the caller's job.
type Registry struct {
	src    Source
	logger *slog.Logger

	mu    sync.RWMutex
	paths map[int]string
	wds   map[string]int

	// onChange, when set, receives the number of live watches after every
	// mutation.
	onChange func(int)
}

// NewRegistry returns an empty Registry issuing subscriptions through src.
func NewRegistry(src Source, logger *slog.Logger) *Registry {
	return &Registry{
		src:    src,
		logger: logger,
		paths:  make(map[int]string),
		wds:    make(map[string]int),
	}
}

// OnChange installs a callback fed the watch count after each mutation.
func (r *Registry) OnChange(fn func(n int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add subscribes dir and records its descriptor. Re-adding a directory is
// harmless: the source returns the existing descriptor.
func (r *Registry) Add(dir string) (int, error) {
	dir = filepath.Clean(dir)
	wd, err := r.src.AddWatch(dir)
	if err != nil {
		return -1, fmt.Errorf("watcher: subscribe %q: %w", dir, err)
	}

	r.mu.Lock()
	if old, ok := r.paths[wd]; ok && old != dir {
		// Same inode seen under a new name.
		delete(r.wds, old)
	}
	if oldWD, ok := r.wds[dir]; ok && oldWD != wd {
		delete(r.paths, oldWD)
	}
	r.paths[wd] = dir
	r.wds[dir] = wd
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Debug("watcher: subscribed", slog.String("path", dir), slog.Int("wd", wd))
	return wd, nil
}

// Lookup returns the directory covered by wd.
func (r *Registry) Lookup(wd int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[wd]
	return p, ok
}

// Resolve joins the directory covered by wd with an entry name. It fails for
// unknown descriptors and for events without a name.
func (r *Registry) Resolve(wd int, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	dir, ok := r.Lookup(wd)
	if !ok {
		return "", false
	}
	return filepath.Join(dir, name), true
}

// Descriptor returns the watch descriptor recorded for dir.
func (r *Registry) Descriptor(dir string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wd, ok := r.wds[filepath.Clean(dir)]
	return wd, ok
}

// Forget drops the entry for dir without touching the source. It is used
// when the kernel has already invalidated the descriptor (directory deleted).
func (r *Registry) Forget(dir string) bool {
	dir = filepath.Clean(dir)
	r.mu.Lock()
	defer r.mu.Unlock()
	wd, ok := r.wds[dir]
	if !ok {
		return false
	}
	delete(r.wds, dir)
	delete(r.paths, wd)
	r.notifyLocked()
	return true
}

// Unsubscribe cancels the subscriptions of dir and every directory beneath
// it, returning the removed paths.
func (r *Registry) Unsubscribe(dir string) []string {
	dir = filepath.Clean(dir)

	r.mu.Lock()
	var (
		removed []string
		wds     []int
	)
	for p, wd := range r.wds {
		if fspath.Within(p, dir) {
			removed = append(removed, p)
			wds = append(wds, wd)
			delete(r.wds, p)
			delete(r.paths, wd)
		}
	}
	r.notifyLocked()
	r.mu.Unlock()

	for i, wd := range wds {
		if err := r.src.RemoveWatch(wd); err != nil {
			r.logger.Debug("watcher: remove watch",
				slog.String("path", removed[i]),
				slog.Any("error", err))
		}
	}
	sort.Strings(removed)
	return removed
}

// Paths returns every watched directory in lexical order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.wds))
	for p := range r.wds {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of live watches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths)
}

// Close cancels every subscription and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	wds := make([]int, 0, len(r.paths))
	for wd := range r.paths {
		wds = append(wds, wd)
	}
	r.paths = make(map[int]string)
	r.wds = make(map[string]int)
	r.notifyLocked()
	r.mu.Unlock()

	for _, wd := range wds {
		_ = r.src.RemoveWatch(wd)
	}
}

func (r *Registry) notifyLocked() {
	if r.onChange != nil {
		r.onChange(len(r.paths))
	}
}
