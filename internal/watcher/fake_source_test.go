package watcher_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/tripwire/fimd/internal/store"
	"github.com/tripwire/fimd/internal/watcher"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource is an in-memory watcher.Source. AddWatch checks the directory
// exists on disk; Read replays queued batches and then reports ErrNoData.
type fakeSource struct {
	mu       sync.Mutex
	next     int
	wds      map[string]int
	removed  []int
	batches  [][]watcher.RawEvent
	readErr  error
	failAdd  map[string]error
	closed   bool
	closeErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		next:    1,
		wds:     make(map[string]int),
		failAdd: make(map[string]error),
	}
}

func (s *fakeSource) AddWatch(dir string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failAdd[dir]; ok {
		return -1, err
	}
	info, err := os.Lstat(dir)
	if err != nil {
		return -1, err
	}
	if !info.IsDir() {
		return -1, &fs.PathError{Op: "add watch", Path: dir, Err: errors.New("not a directory")}
	}
	if wd, ok := s.wds[dir]; ok {
		return wd, nil
	}
	wd := s.next
	s.next++
	s.wds[dir] = wd
	return wd, nil
}

func (s *fakeSource) RemoveWatch(wd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, w := range s.wds {
		if w == wd {
			delete(s.wds, p)
		}
	}
	s.removed = append(s.removed, wd)
	return nil
}

func (s *fakeSource) Read() ([]watcher.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, watcher.ErrNoData
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *fakeSource) push(batch ...watcher.RawEvent) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
}

func (s *fakeSource) wd(t *testing.T, dir string) int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	wd, ok := s.wds[dir]
	if !ok {
		t.Fatalf("no watch on %q", dir)
	}
	return wd
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fileCall is one HandleFile invocation.
type fileCall struct {
	Kind store.EventKind
	Path string
}

// recordingHandler collects HandleFile calls.
type recordingHandler struct {
	mu    sync.Mutex
	calls []fileCall
	err   error
}

func (h *recordingHandler) HandleFile(_ context.Context, kind store.EventKind, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, fileCall{Kind: kind, Path: path})
	return h.err
}

func (h *recordingHandler) snapshot() []fileCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]fileCall, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *recordingHandler) count(kind store.EventKind, path string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.Kind == kind && c.Path == path {
			n++
		}
	}
	return n
}

func mkdirAll(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
