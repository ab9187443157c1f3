// Package watcher turns kernel directory notifications into classified file
// events. It owns the watch registry, the recursive subscriber, the directory
// event handler, and the per-session dispatch loop.
package watcher

import (
	"errors"

	"github.com/tripwire/fimd/internal/store"
)

// Event mask bits. The values are the Linux inotify ABI (<sys/inotify.h>);
// sources on other platforms translate their notifications into them.
const (
	MaskModify    uint32 = 0x2
	MaskMovedFrom uint32 = 0x40
	MaskMovedTo   uint32 = 0x80
	MaskCreate    uint32 = 0x100
	MaskDelete    uint32 = 0x200
	MaskOverflow  uint32 = 0x4000
	MaskIgnored   uint32 = 0x8000
	MaskIsDir     uint32 = 0x40000000
)

// ErrNoData is returned by Source.Read when no notification is pending.
var ErrNoData = errors.New("watcher: no data")

// RawEvent is one undecoded notification.
type RawEvent struct {
	// WD is the watch descriptor of the directory the event occurred in.
	WD   int
	Mask uint32
	// Cookie correlates MOVED_FROM/MOVED_TO halves of a rename. It is
	// carried for diagnostics only.
	Cookie uint32
	// Name is the entry name relative to the watched directory. Events on
	// the directory itself, and overflow markers, have no name.
	Name string
}

// Source is a notification stream over a set of watched directories.
// Read never blocks.
type Source interface {
	// AddWatch subscribes dir and returns its watch descriptor. Adding the
	// same directory twice returns the same descriptor.
	AddWatch(dir string) (int, error)
	// RemoveWatch cancels a subscription.
	RemoveWatch(wd int) error
	// Read returns all currently pending events, or ErrNoData.
	Read() ([]RawEvent, error)
	// Close releases the stream and every remaining subscription.
	Close() error
}

// Classify maps a notification mask to an event kind. The is-directory bit
// is ignored; callers test it separately. Masks that are not exactly one of
// the five subscribed kinds are unrecognised.
func Classify(mask uint32) (store.EventKind, bool) {
	switch mask &^ MaskIsDir {
	case MaskCreate:
		return store.KindCreate, true
	case MaskDelete:
		return store.KindDelete, true
	case MaskModify:
		return store.KindModify, true
	case MaskMovedFrom:
		return store.KindMovedFrom, true
	case MaskMovedTo:
		return store.KindMovedTo, true
	default:
		return 0, false
	}
}
