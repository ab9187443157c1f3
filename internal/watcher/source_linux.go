//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchMask is applied to every subscribed directory. IN_ONLYDIR and
// IN_DONT_FOLLOW keep a racing symlink or file swap from being watched.
const watchMask uint32 = unix.IN_CREATE |
	unix.IN_DELETE |
	unix.IN_MODIFY |
	unix.IN_MOVED_FROM |
	unix.IN_MOVED_TO |
	unix.IN_ONLYDIR |
	unix.IN_DONT_FOLLOW

// eventHeaderSize is the fixed part of struct inotify_event; the
// NUL-padded name of length Len follows it.
const eventHeaderSize = unix.SizeofInotifyEvent

// DefaultBufferEvents sizes the read buffer in maximum-length events.
const DefaultBufferEvents = 64

type inotifySource struct {
	fd        int
	buf       []byte
	closeOnce sync.Once
}

// NewSource opens a non-blocking inotify instance. bufferEvents sets how many
// maximum-length events one Read can return; values below 1 use
// DefaultBufferEvents.
func NewSource(bufferEvents int) (Source, error) {
	if bufferEvents < 1 {
		bufferEvents = DefaultBufferEvents
	}
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watcher: inotify_init1: %w", err)
	}
	return &inotifySource{
		fd:  fd,
		buf: make([]byte, bufferEvents*(eventHeaderSize+unix.NAME_MAX+1)),
	}, nil
}

func (s *inotifySource) AddWatch(dir string) (int, error) {
	wd, err := unix.InotifyAddWatch(s.fd, dir, watchMask)
	if err != nil {
		return -1, &fs.PathError{Op: "inotify_add_watch", Path: dir, Err: err}
	}
	return wd, nil
}

func (s *inotifySource) RemoveWatch(wd int) error {
	if _, err := unix.InotifyRmWatch(s.fd, uint32(wd)); err != nil {
		return fmt.Errorf("watcher: inotify_rm_watch %d: %w", wd, err)
	}
	return nil
}

func (s *inotifySource) Read() ([]RawEvent, error) {
	for {
		n, err := unix.Read(s.fd, s.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrNoData
		case err != nil:
			return nil, fmt.Errorf("watcher: read inotify: %w", err)
		case n <= 0:
			return nil, ErrNoData
		}
		return parseEvents(s.buf[:n]), nil
	}
}

// Close releases the inotify instance; the kernel drops every watch with it.
func (s *inotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := unix.Close(s.fd); cerr != nil {
			err = fmt.Errorf("watcher: close inotify: %w", cerr)
		}
	})
	return err
}

// parseEvents decodes a buffer of packed inotify_event records:
//
//	struct inotify_event {
//	    int32_t  wd;
//	    uint32_t mask;
//	    uint32_t cookie;
//	    uint32_t len;     // length of name incl. NUL padding
//	    char     name[];
//	}
func parseEvents(buf []byte) []RawEvent {
	var out []RawEvent
	for off := 0; off+eventHeaderSize <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		off += eventHeaderSize

		var name string
		if ev.Len > 0 {
			end := off + int(ev.Len)
			if end > len(buf) {
				break
			}
			name = strings.TrimRight(string(buf[off:end]), "\x00")
			off = end
		}
		out = append(out, RawEvent{
			WD:     int(ev.Wd),
			Mask:   ev.Mask,
			Cookie: ev.Cookie,
			Name:   name,
		})
	}
	return out
}
