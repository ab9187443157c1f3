package monitor

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tripwire/fimd/internal/fspath"
	"github.com/tripwire/fimd/internal/watcher"
)

var (
	// ErrActive is returned when roots are changed during a session.
	ErrActive = errors.New("monitor: roots cannot change while a session is active")
	// ErrRootOverlap is returned for a root inside an existing root.
	ErrRootOverlap = errors.New("monitor: root is inside an existing root")
	// ErrSelfReferential is returned for a root containing the process's
	// working directory or one of the files fimd itself writes.
	ErrSelfReferential = errors.New("monitor: root contains fimd's own files")
	// ErrRootNotFound is returned when removing a root that is not registered.
	ErrRootNotFound = errors.New("monitor: root not registered")
	// ErrNotDirectory is returned for a root that is not a directory.
	ErrNotDirectory = fspath.ErrNotDirectory
)

// RunState is the state shared between the control surface and the session
// loop: the active flag and the ordered root set. One mutex guards it and is
// held only for the duration of a read or update.
type RunState struct {
	mu     sync.Mutex
	active bool
	// session increments on every activation so a loop from an earlier
	// session never mistakes a later one for its own.
	session uint64
	roots   []string
}

// NewRunState returns an inactive RunState with no roots.
func NewRunState() *RunState {
	return &RunState{}
}

// Active reports whether a session is running.
func (s *RunState) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Roots returns a copy of the root set in insertion order.
func (s *RunState) Roots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.roots)
}

// AddRoot admits a canonical root. A root inside an existing root is
// rejected; a root containing existing roots replaces them, and those are
// returned. Adding a registered root again is a no-op.
func (s *RunState) AddRoot(root string) (superseded []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil, ErrActive
	}
	if slices.Contains(s.roots, root) {
		return nil, nil
	}

	kept := s.roots[:0:0]
	for _, r := range s.roots {
		switch {
		case fspath.Within(root, r):
			return nil, fmt.Errorf("%w: %q is inside %q", ErrRootOverlap, root, r)
		case fspath.Within(r, root):
			superseded = append(superseded, r)
		default:
			kept = append(kept, r)
		}
	}
	s.roots = append(kept, root)
	return superseded, nil
}

// RemoveRoot drops a registered root.
func (s *RunState) RemoveRoot(root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrActive
	}
	i := slices.Index(s.roots, root)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrRootNotFound, root)
	}
	s.roots = slices.Delete(s.roots, i, i+1)
	return nil
}

// activate marks a new session active and returns its number and roots.
// ok is false when a session is already active.
func (s *RunState) activate() (session uint64, roots []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return 0, nil, false
	}
	s.active = true
	s.session++
	return s.session, slices.Clone(s.roots), true
}

// deactivate clears the active flag. It reports whether a session was active.
func (s *RunState) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active
	s.active = false
	return was
}

// end clears the active flag only if session is still the current one.
func (s *RunState) end(session uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == session {
		s.active = false
	}
}

// gate returns the loop gate for session: open while that session is the
// active one.
func (s *RunState) gate(session uint64) watcher.Gate {
	return watcher.GateFunc(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.active && s.session == session
	})
}

// CheckPath is the path admission predicate. candidate and cwd must both be
// canonical. A candidate equal to or containing cwd is rejected: the process
// would watch its own working files.
func CheckPath(candidate, cwd string) error {
	if fspath.Within(cwd, candidate) {
		return fmt.Errorf("%w: %q contains %q", ErrSelfReferential, candidate, cwd)
	}
	return nil
}
