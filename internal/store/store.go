// Package store defines the persisted data model of the integrity monitor:
// per-file content baselines (FileRecord) and the append-only audit trail of
// filesystem events (EventRecord). Concrete backends live in the sqlite and
// postgres subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested file or event does not exist.
var ErrNotFound = errors.New("store: not found")

// EventKind classifies a filesystem mutation. The set is closed: every switch
// over EventKind in this module handles each value explicitly.
type EventKind uint8

const (
	KindCreate EventKind = iota + 1
	KindDelete
	KindModify
	KindMovedFrom
	KindMovedTo
	// KindReconcile is the startup "maybe modified" check. It is never
	// persisted as such; drift found by reconciliation is recorded as MODIFY.
	KindReconcile
)

// String returns the persisted name of k.
func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "CREATE"
	case KindDelete:
		return "DELETE"
	case KindModify:
		return "MODIFY"
	case KindMovedFrom:
		return "MOVED_FROM"
	case KindMovedTo:
		return "MOVED_TO"
	case KindReconcile:
		return "RECONCILE"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Persisted returns the kind written to the event table for k.
func (k EventKind) Persisted() EventKind {
	if k == KindReconcile {
		return KindModify
	}
	return k
}

// CarriesContent reports whether events of kind k compute a diff against the
// baseline and advance it.
func (k EventKind) CarriesContent() bool {
	switch k {
	case KindCreate, KindModify, KindMovedTo, KindReconcile:
		return true
	case KindDelete, KindMovedFrom:
		return false
	default:
		return false
	}
}

// ParseEventKind maps a persisted kind name back to its EventKind.
// RECONCILE is not a persisted name and is rejected.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "CREATE":
		return KindCreate, nil
	case "DELETE":
		return KindDelete, nil
	case "MODIFY":
		return KindModify, nil
	case "MOVED_FROM":
		return KindMovedFrom, nil
	case "MOVED_TO":
		return KindMovedTo, nil
	default:
		return 0, fmt.Errorf("store: unknown event kind %q", s)
	}
}

// FileRecord is the per-path content baseline.
type FileRecord struct {
	ID       int64
	Path     string
	Baseline []byte
}

// EventRecord is one immutable row of the audit trail, joined with the path
// of the file it refers to.
type EventRecord struct {
	ID        int64
	Kind      EventKind
	Timestamp time.Time
	Diff      []byte
	PathID    int64
	Path      string
}

// Change is a single event to append for an existing FileRecord.
type Change struct {
	FileID int64
	Kind   EventKind
	Diff   []byte
	// Baseline replaces the file's stored baseline in the same transaction
	// when AdvanceBaseline is set.
	Baseline        []byte
	AdvanceBaseline bool
}

// EventQuery filters the audit trail listing. Results are always ordered
// newest first.
type EventQuery struct {
	// Kind restricts results to one persisted kind (optional).
	Kind *EventKind
	// Limit caps the number of rows returned. Zero means DefaultLimit.
	Limit  int
	Offset int
}

// DefaultLimit is the page size applied when EventQuery.Limit is zero.
const DefaultLimit = 100

// Store is implemented by every audit backend. Implementations must be safe
// for concurrent use and must never leave a partially-written Change behind.
type Store interface {
	// EnsureFile returns the FileRecord for path, creating it with baseline
	// when absent. created reports whether this call inserted it.
	EnsureFile(ctx context.Context, path string, baseline []byte) (rec FileRecord, created bool, err error)

	// GetFile returns the FileRecord for path or ErrNotFound.
	GetFile(ctx context.Context, path string) (FileRecord, error)

	// Commit appends c to the audit trail and, when requested, advances the
	// file's baseline. Both writes succeed or neither does.
	Commit(ctx context.Context, c Change) (EventRecord, error)

	// ListEvents returns events newest first, joined with their file path.
	ListEvents(ctx context.Context, q EventQuery) ([]EventRecord, error)

	// GetEvent returns one event by id or ErrNotFound.
	GetEvent(ctx context.Context, id int64) (EventRecord, error)

	// Close releases the backend's connection pool.
	Close() error
}

// Validate reports whether c can be committed.
func (c Change) Validate() error {
	var errs []error
	if c.FileID <= 0 {
		errs = append(errs, errors.New("file id must be positive"))
	}
	switch c.Kind {
	case KindCreate, KindDelete, KindModify, KindMovedFrom, KindMovedTo:
	case KindReconcile:
		errs = append(errs, errors.New("RECONCILE must be persisted as MODIFY"))
	default:
		errs = append(errs, fmt.Errorf("invalid kind %s", c.Kind))
	}
	if c.AdvanceBaseline && !c.Kind.CarriesContent() {
		errs = append(errs, fmt.Errorf("%s does not advance the baseline", c.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("store: invalid change: %w", err)
	}
	return nil
}
