//go:build !linux

package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultBufferEvents sizes the fsnotify event channel.
const DefaultBufferEvents = 64

// fsnotifySource adapts fsnotify to the Source contract. fsnotify has no
// descriptors, so each watched directory gets a synthetic one.
type fsnotifySource struct {
	w *fsnotify.Watcher

	mu     sync.Mutex
	next   int
	wds    map[string]int
	dirs   map[int]string
	closed bool
}

// NewSource opens an fsnotify watcher. bufferEvents sizes its event channel.
func NewSource(bufferEvents int) (Source, error) {
	if bufferEvents < 1 {
		bufferEvents = DefaultBufferEvents
	}
	w, err := fsnotify.NewBufferedWatcher(uint(bufferEvents))
	if err != nil {
		return nil, fmt.Errorf("watcher: fsnotify: %w", err)
	}
	return &fsnotifySource{
		w:    w,
		next: 1,
		wds:  make(map[string]int),
		dirs: make(map[int]string),
	}, nil
}

func (s *fsnotifySource) AddWatch(dir string) (int, error) {
	info, err := os.Lstat(dir)
	if err != nil {
		return -1, err
	}
	if !info.IsDir() {
		return -1, &os.PathError{Op: "add watch", Path: dir, Err: errors.New("not a directory")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if wd, ok := s.wds[dir]; ok {
		return wd, nil
	}
	if err := s.w.Add(dir); err != nil {
		return -1, &os.PathError{Op: "add watch", Path: dir, Err: err}
	}
	wd := s.next
	s.next++
	s.wds[dir] = wd
	s.dirs[wd] = dir
	return wd, nil
}

func (s *fsnotifySource) RemoveWatch(wd int) error {
	s.mu.Lock()
	dir, ok := s.dirs[wd]
	if ok {
		delete(s.dirs, wd)
		delete(s.wds, dir)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("watcher: remove watch %d: unknown descriptor", wd)
	}
	if err := s.w.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("watcher: remove watch %q: %w", dir, err)
	}
	return nil
}

func (s *fsnotifySource) Read() ([]RawEvent, error) {
	var out []RawEvent
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return nil, errors.New("watcher: fsnotify stream closed")
			}
			out = append(out, s.translate(ev)...)
		case err, ok := <-s.w.Errors:
			if !ok {
				return nil, errors.New("watcher: fsnotify stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				out = append(out, RawEvent{WD: -1, Mask: MaskOverflow})
				continue
			}
			return nil, fmt.Errorf("watcher: fsnotify: %w", err)
		default:
			if len(out) == 0 {
				return nil, ErrNoData
			}
			return out, nil
		}
	}
}

// translate maps one fsnotify event onto inotify-style masks. A rename is
// reported by fsnotify under the old name only; the new name arrives as a
// separate Create.
func (s *fsnotifySource) translate(ev fsnotify.Event) []RawEvent {
	parent, name := filepath.Split(ev.Name)
	parent = filepath.Clean(parent)

	s.mu.Lock()
	wd, ok := s.wds[parent]
	_, isWatchedDir := s.wds[ev.Name]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var dirBit uint32
	if isWatchedDir {
		dirBit = MaskIsDir
	} else if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
		dirBit = MaskIsDir
	}

	var out []RawEvent
	add := func(mask uint32) {
		out = append(out, RawEvent{WD: wd, Mask: mask | dirBit, Name: name})
	}
	switch {
	case ev.Has(fsnotify.Create):
		add(MaskCreate)
	case ev.Has(fsnotify.Remove):
		add(MaskDelete)
	case ev.Has(fsnotify.Rename):
		add(MaskMovedFrom)
	case ev.Has(fsnotify.Write):
		add(MaskModify)
	}
	return out
}

func (s *fsnotifySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("watcher: close fsnotify: %w", err)
	}
	return nil
}
