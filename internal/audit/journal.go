// Package audit keeps a tamper-evident companion journal of the audit trail.
//
// Every committed event (and every monitoring session start/stop) is written
// as one JSON line whose hash covers the previous line's hash:
//
//	event_hash(N) = SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// The first entry links to GenesisHash. Editing, reordering, or dropping any
// line breaks the chain, and CrossCheck detects rows that were altered in the
// database after they were journalled.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tripwire/fimd/internal/store"
)

// GenesisHash is the prev_hash of the first entry in every journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single journal line.
const maxLine = 1 << 20

// Payload types.
const (
	TypeEvent        = "event"
	TypeSessionStart = "session_start"
	TypeSessionStop  = "session_stop"
)

// ErrChain is wrapped by every chain validation failure.
var ErrChain = errors.New("audit: broken hash chain")

// Entry is one journal line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func (e Entry) computeHash() string {
	raw, err := json.Marshal(hashed{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// EventPayload is journalled for every committed EventRecord.
type EventPayload struct {
	Type       string    `json:"type"`
	EventID    int64     `json:"event_id"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	DiffSHA256 string    `json:"diff_sha256"`
	At         time.Time `json:"at"`
}

// SessionPayload is journalled when a monitoring session starts or stops.
type SessionPayload struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Roots     []string `json:"roots,omitempty"`
}

// DiffDigest returns the hex SHA-256 of a stored diff. Empty and nil diffs
// share one digest.
func DiffDigest(diff []byte) string {
	sum := sha256.Sum256(diff)
	return hex.EncodeToString(sum[:])
}

// Journal appends hash-chained entries to a file. It is safe for concurrent
// use. Create one with Open.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	seq      int64
	prevHash string
	now      func() time.Time
}

// Open opens or creates the journal at path. An existing journal is verified
// first and appending resumes after its last entry; a broken chain is an
// error, so a tampered journal is never silently extended.
func Open(path string) (*Journal, error) {
	seq, prev := int64(0), GenesisHash

	f, err := os.Open(path)
	switch {
	case err == nil:
		err = walk(f, func(e Entry) error {
			seq, prev = e.Seq, e.EventHash
			return nil
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: resume %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q for append: %w", path, err)
	}
	return &Journal{file: out, seq: seq, prevHash: prev, now: time.Now}, nil
}

// RecordEvent journals a committed event.
func (j *Journal) RecordEvent(ev store.EventRecord) (Entry, error) {
	return j.append(EventPayload{
		Type:       TypeEvent,
		EventID:    ev.ID,
		Kind:       ev.Kind.String(),
		Path:       ev.Path,
		DiffSHA256: DiffDigest(ev.Diff),
		At:         ev.Timestamp.UTC(),
	})
}

// RecordSession journals a session boundary. typ is TypeSessionStart or
// TypeSessionStop.
func (j *Journal) RecordSession(typ, sessionID string, roots []string) (Entry, error) {
	if typ != TypeSessionStart && typ != TypeSessionStop {
		return Entry{}, fmt.Errorf("audit: unknown session payload type %q", typ)
	}
	return j.append(SessionPayload{Type: typ, SessionID: sessionID, Roots: roots})
}

func (j *Journal) append(payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		Seq:       j.seq + 1,
		Timestamp: j.now().UTC(),
		Payload:   raw,
		PrevHash:  j.prevHash,
	}
	e.EventHash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry %d: %w", e.Seq, err)
	}

	j.seq = e.Seq
	j.prevHash = e.EventHash
	return e, nil
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	syncErr := j.file.Sync()
	closeErr := j.file.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}

// Verify reads the journal at path and validates the whole chain, returning
// its entries in order.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	if err := walk(f, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	return entries, nil
}

// walk decodes every line of r, checks sequence, linkage, and hash, and calls
// fn for each valid entry.
func walk(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	prev, seq := GenesisHash, int64(0)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: malformed entry after seq %d: %v", ErrChain, seq, err)
		}
		if e.Seq != seq+1 {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrChain, seq+1, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: seq %d links to %q, want %q", ErrChain, e.Seq, e.PrevHash, prev)
		}
		if got := e.computeHash(); got != e.EventHash {
			return fmt.Errorf("%w: seq %d hash %q, recomputed %q", ErrChain, e.Seq, e.EventHash, got)
		}
		if err := fn(e); err != nil {
			return err
		}
		prev, seq = e.EventHash, e.Seq
	}
	return sc.Err()
}
