// Package integrity implements change detection: it reads the current
// content of a file, diffs it against the stored baseline, and appends the
// resulting event to the audit trail.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tripwire/fimd/internal/audit"
	"github.com/tripwire/fimd/internal/diff"
	"github.com/tripwire/fimd/internal/metrics"
	"github.com/tripwire/fimd/internal/store"
)

// EventJournal receives every committed event. *audit.Journal implements it.
type EventJournal interface {
	RecordEvent(ev store.EventRecord) (audit.Entry, error)
}

// Outcome describes what processing one file event did.
type Outcome struct {
	// Event is the committed record when Recorded is set.
	Event    store.EventRecord
	Recorded bool
	// NewFile reports that the path had no FileRecord before this event.
	NewFile bool
}

// Detector turns classified file events into audit records. It is safe for
// concurrent use as long as its Store is.
type Detector struct {
	store    store.Store
	journal  EventJournal
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onCommit func(store.EventRecord)
}

// Option configures a Detector.
type Option func(*Detector)

// WithJournal mirrors every committed event into j.
func WithJournal(j EventJournal) Option {
	return func(d *Detector) { d.journal = j }
}

// WithMetrics records commit, failure and drift counts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithCommitHook calls fn after every successful commit.
func WithCommitHook(fn func(store.EventRecord)) Option {
	return func(d *Detector) { d.onCommit = fn }
}

// NewDetector returns a Detector writing to s.
func NewDetector(s store.Store, logger *slog.Logger, opts ...Option) *Detector {
	d := &Detector{store: s, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleFile processes one live event. It satisfies watcher.FileHandler.
func (d *Detector) HandleFile(ctx context.Context, kind store.EventKind, path string) error {
	_, err := d.Process(ctx, kind, path)
	return err
}

// Process ensures a FileRecord exists for path and then applies kind:
//
//   - CREATE, MODIFY, MOVED_TO: record the diff from the baseline to the
//     current content and advance the baseline. A path seen for the first
//     time is diffed against empty content.
//   - DELETE, MOVED_FROM: record an event with an empty diff; the baseline
//     is kept.
//   - RECONCILE: record a MODIFY only when the content drifted from the
//     baseline. A path seen for the first time only gets its baseline.
//
// Unreadable content is treated as empty. A store failure aborts the event
// and is returned.
func (d *Detector) Process(ctx context.Context, kind store.EventKind, path string) (Outcome, error) {
	current := d.read(path)

	rec, created, err := d.store.EnsureFile(ctx, path, current)
	if err != nil {
		d.metrics.PersistFailed()
		return Outcome{}, fmt.Errorf("integrity: ensure record %q: %w", path, err)
	}
	out := Outcome{NewFile: created}

	change := store.Change{FileID: rec.ID, Kind: kind.Persisted()}
	switch kind {
	case store.KindCreate, store.KindModify, store.KindMovedTo:
		prior := rec.Baseline
		if created {
			prior = nil
		}
		change.Diff = diff.Compute(prior, current)
		change.Baseline = current
		change.AdvanceBaseline = true
	case store.KindReconcile:
		if created {
			return out, nil
		}
		change.Diff = diff.Compute(rec.Baseline, current)
		if len(change.Diff) == 0 {
			return out, nil
		}
		change.Baseline = current
		change.AdvanceBaseline = true
		d.metrics.Drift()
	case store.KindDelete, store.KindMovedFrom:
	default:
		return out, fmt.Errorf("integrity: unsupported event kind %s", kind)
	}

	ev, err := d.store.Commit(ctx, change)
	if err != nil {
		d.metrics.PersistFailed()
		return out, fmt.Errorf("integrity: record %s %q: %w", change.Kind, path, err)
	}
	out.Event, out.Recorded = ev, true

	d.metrics.EventCommitted(ev.Kind.String())
	d.logger.Info("file event recorded",
		slog.Int64("event_id", ev.ID),
		slog.String("kind", ev.Kind.String()),
		slog.String("path", path),
		slog.Int("diff_bytes", len(ev.Diff)))

	if d.journal != nil {
		if _, err := d.journal.RecordEvent(ev); err != nil {
			d.logger.Error("integrity: journal event",
				slog.Int64("event_id", ev.ID),
				slog.Any("error", err))
		}
	}
	if d.onCommit != nil {
		d.onCommit(ev)
	}
	return out, nil
}

// read returns the current content of path. Regular files yield their bytes
// and symlinks their target; anything else, or any error, yields nil.
func (d *Detector) read(path string) []byte {
	info, err := os.Lstat(path)
	if err != nil {
		d.logUnreadable(path, err)
		return nil
	}

	switch mode := info.Mode(); {
	case mode.IsRegular():
		b, err := os.ReadFile(path)
		if err != nil {
			d.logUnreadable(path, err)
			return nil
		}
		return b
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			d.logUnreadable(path, err)
			return nil
		}
		return []byte(target)
	default:
		return nil
	}
}

func (d *Detector) logUnreadable(path string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	d.logger.Warn("integrity: content unreadable, treated as empty",
		slog.String("path", path),
		slog.Any("error", err))
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	// Files is the number of files examined.
	Files int
	// New counts files seen for the first time; they only got a baseline.
	New int
	// Drifted counts files whose content changed since their baseline.
	Drifted int
}

// Reconcile walks root and applies RECONCILE to every file beneath it,
// catching changes made while no session was running. Unreadable
// directories are skipped. The first store failure ends the pass.
func (d *Detector) Reconcile(ctx context.Context, root string) (ReconcileResult, error) {
	var res ReconcileResult
	err := filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			d.logger.Warn("integrity: reconcile skipped entry",
				slog.String("path", path),
				slog.Any("error", err))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}

		out, err := d.Process(ctx, store.KindReconcile, path)
		if err != nil {
			return err
		}
		res.Files++
		if out.NewFile {
			res.New++
		}
		if out.Recorded {
			res.Drifted++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("integrity: reconcile %q: %w", root, err)
	}

	d.logger.Info("reconciliation complete",
		slog.String("root", root),
		slog.Int("files", res.Files),
		slog.Int("new", res.New),
		slog.Int("drifted", res.Drifted))
	return res, nil
}
