// Package sqlite provides the default, WAL-mode SQLite implementation of
// store.Store.
//
// # Schema
//
// Two tables are created lazily on Open: path holds one row per observed
// file with its content baseline, event holds the append-only audit trail.
// A unique index on path.file_path makes EnsureFile an idempotent upsert.
//
// # Timestamps
//
// date_event is written as fixed-width UTC text ("2006-01-02 15:04:05.000000")
// so that lexical and chronological order agree. Rows written by other tools
// through the column default (CURRENT_TIMESTAMP) are read back as well.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/fimd/internal/store"
)

// timeLayout is the on-disk format of event.date_event.
const timeLayout = "2006-01-02 15:04:05.000000"

// readLayouts are accepted when scanning date_event.
var readLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// ddl is applied on every Open (idempotent).
const ddl = `
CREATE TABLE IF NOT EXISTS path (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path TEXT    NOT NULL,
    last_copy BLOB    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_path_file_path ON path (file_path);
CREATE TABLE IF NOT EXISTS event (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    type_event TEXT CHECK (type_event IN ('CREATE','DELETE','MODIFY','MOVED_FROM','MOVED_TO')),
    date_event TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    diff       BLOB,
    path_id    INTEGER NOT NULL,
    FOREIGN KEY (path_id) REFERENCES path(id)
);
CREATE INDEX IF NOT EXISTS idx_event_date ON event (date_event, id);
`

// Store is a SQLite-backed store.Store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	clock  *store.Clock
	logger *slog.Logger

	// maxRetries bounds the busy-retry loop around each write.
	maxRetries uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source. Tests use it to pin time.
func WithClock(c *store.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMaxRetries sets how often a write is retried while the database is
// locked by another process. The default is 5.
func WithMaxRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode and foreign keys, and applies the schema. ":memory:" yields a private
// in-memory database, suitable for tests.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// One connection: pragmas apply to it alone and writes serialise here
	// instead of failing with "database is locked".
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s := &Store{
		db:         db,
		clock:      store.NewClock(nil),
		logger:     logger,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Keep new rows ordered after everything already on disk.
	var newest sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT MAX(date_event) FROM event`).Scan(&newest); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: read newest event: %w", err)
	}
	if newest.Valid {
		if t, err := parseTime(newest.String); err == nil {
			s.clock.Seed(t)
		}
	}

	return s, nil
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}

// EnsureFile implements store.Store.
func (s *Store) EnsureFile(ctx context.Context, path string, baseline []byte) (store.FileRecord, bool, error) {
	if baseline == nil {
		baseline = []byte{}
	}

	var created bool
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO path (file_path, last_copy) VALUES (?, ?)
			 ON CONFLICT (file_path) DO NOTHING`,
			path, baseline)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return store.FileRecord{}, false, fmt.Errorf("sqlite: ensure file %q: %w", path, err)
	}

	rec, err := s.GetFile(ctx, path)
	if err != nil {
		return store.FileRecord{}, false, err
	}
	return rec, created, nil
}

// GetFile implements store.Store.
func (s *Store) GetFile(ctx context.Context, path string) (store.FileRecord, error) {
	rec := store.FileRecord{Path: path}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, last_copy FROM path WHERE file_path = ?`, path).
		Scan(&rec.ID, &rec.Baseline)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FileRecord{}, fmt.Errorf("sqlite: file %q: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return store.FileRecord{}, fmt.Errorf("sqlite: get file %q: %w", path, err)
	}
	if rec.Baseline == nil {
		rec.Baseline = []byte{}
	}
	return rec, nil
}

// Commit implements store.Store. The event insert and the baseline update run
// in one transaction.
func (s *Store) Commit(ctx context.Context, c store.Change) (store.EventRecord, error) {
	if err := c.Validate(); err != nil {
		return store.EventRecord{}, err
	}

	var rec store.EventRecord
	err := s.retry(ctx, func() error {
		var err error
		rec, err = s.commitTx(ctx, c)
		return err
	})
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("sqlite: commit %s: %w", c.Kind, err)
	}
	return rec, nil
}

func (s *Store) commitTx(ctx context.Context, c store.Change) (store.EventRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.EventRecord{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	var path string
	err = tx.QueryRowContext(ctx, `SELECT file_path FROM path WHERE id = ?`, c.FileID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return store.EventRecord{}, fmt.Errorf("file id %d: %w", c.FileID, store.ErrNotFound)
	}
	if err != nil {
		return store.EventRecord{}, err
	}

	ts := s.clock.Now()
	var diff any
	if len(c.Diff) > 0 {
		diff = c.Diff
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO event (type_event, date_event, diff, path_id) VALUES (?, ?, ?, ?)`,
		c.Kind.String(), ts.Format(timeLayout), diff, c.FileID)
	if err != nil {
		return store.EventRecord{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.EventRecord{}, err
	}

	if c.AdvanceBaseline {
		baseline := c.Baseline
		if baseline == nil {
			baseline = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE path SET last_copy = ? WHERE id = ?`, baseline, c.FileID); err != nil {
			return store.EventRecord{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return store.EventRecord{}, err
	}

	return store.EventRecord{
		ID:        id,
		Kind:      c.Kind,
		Timestamp: ts.Truncate(time.Microsecond),
		Diff:      c.Diff,
		PathID:    c.FileID,
		Path:      path,
	}, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]store.EventRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultLimit
	}

	var (
		where string
		args  []any
	)
	if q.Kind != nil {
		where = `WHERE event.type_event = ?`
		args = append(args, q.Kind.String())
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT event.id, path.file_path, event.type_event, event.date_event, event.diff, event.path_id
		 FROM   event INNER JOIN path ON event.path_id = path.id
		 `+where+`
		 ORDER  BY event.date_event DESC, event.id DESC
		 LIMIT  ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list events: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	return out, nil
}

// GetEvent implements store.Store.
func (s *Store) GetEvent(ctx context.Context, id int64) (store.EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event.id, path.file_path, event.type_event, event.date_event, event.diff, event.path_id
		 FROM   event INNER JOIN path ON event.path_id = path.id
		 WHERE  event.id = ?`, id)
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.EventRecord{}, fmt.Errorf("sqlite: event %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("sqlite: get event %d: %w", id, err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (store.EventRecord, error) {
	var (
		rec  store.EventRecord
		kind sql.NullString
		ts   any
	)
	if err := sc.Scan(&rec.ID, &rec.Path, &kind, &ts, &rec.Diff, &rec.PathID); err != nil {
		return store.EventRecord{}, err
	}
	k, err := store.ParseEventKind(kind.String)
	if err != nil {
		return store.EventRecord{}, err
	}
	rec.Kind = k

	switch v := ts.(type) {
	case time.Time:
		rec.Timestamp = v.UTC()
	case string:
		rec.Timestamp, err = parseTime(v)
	case []byte:
		rec.Timestamp, err = parseTime(string(v))
	default:
		err = fmt.Errorf("unexpected date_event type %T", ts)
	}
	if err != nil {
		return store.EventRecord{}, err
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range readLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date_event %q", s)
}

// retry runs op until it succeeds, fails permanently, or the busy budget is
// exhausted. Only SQLITE_BUSY/SQLITE_LOCKED failures are retried.
func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), s.maxRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		s.logger.Warn("sqlite: database busy, retrying",
			slog.Duration("wait", wait),
			slog.Any("error", err))
	})
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}
