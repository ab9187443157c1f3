// Package postgres provides a PostgreSQL implementation of store.Store for
// deployments that keep the audit trail on a shared database server.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/fimd/internal/store"
)

// ddl mirrors the SQLite schema using native PostgreSQL types.
const ddl = `
CREATE TABLE IF NOT EXISTS path (
    id        BIGSERIAL PRIMARY KEY,
    file_path TEXT  NOT NULL UNIQUE,
    last_copy BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS event (
    id         BIGSERIAL PRIMARY KEY,
    type_event TEXT CHECK (type_event IN ('CREATE','DELETE','MODIFY','MOVED_FROM','MOVED_TO')),
    date_event TIMESTAMPTZ NOT NULL DEFAULT now(),
    diff       BYTEA,
    path_id    BIGINT NOT NULL REFERENCES path(id)
);
CREATE INDEX IF NOT EXISTS idx_event_date ON event (date_event DESC, id DESC);
`

// Store is the PostgreSQL-backed store.Store. Every operation acquires a
// connection from the pool for its own duration.
type Store struct {
	pool  *pgxpool.Pool
	clock *store.Clock
}

// New opens a pgxpool connection to connStr, pings the database, and applies
// the schema.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	s := &Store{pool: pool, clock: store.NewClock(nil)}

	var newest *time.Time
	if err := pool.QueryRow(ctx, `SELECT MAX(date_event) FROM event`).Scan(&newest); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: read newest event: %w", err)
	}
	if newest != nil {
		s.clock.Seed(*newest)
	}
	return s, nil
}

// Pool exposes the connection pool for schema-level assertions in tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureFile implements store.Store.
func (s *Store) EnsureFile(ctx context.Context, path string, baseline []byte) (store.FileRecord, bool, error) {
	if baseline == nil {
		baseline = []byte{}
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO path (file_path, last_copy) VALUES ($1, $2)
		 ON CONFLICT (file_path) DO NOTHING`, path, baseline)
	if err != nil {
		return store.FileRecord{}, false, fmt.Errorf("postgres: ensure file %q: %w", path, err)
	}
	rec, err := s.GetFile(ctx, path)
	if err != nil {
		return store.FileRecord{}, false, err
	}
	return rec, tag.RowsAffected() == 1, nil
}

// GetFile implements store.Store.
func (s *Store) GetFile(ctx context.Context, path string) (store.FileRecord, error) {
	rec := store.FileRecord{Path: path}
	err := s.pool.QueryRow(ctx,
		`SELECT id, last_copy FROM path WHERE file_path = $1`, path).
		Scan(&rec.ID, &rec.Baseline)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.FileRecord{}, fmt.Errorf("postgres: file %q: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return store.FileRecord{}, fmt.Errorf("postgres: get file %q: %w", path, err)
	}
	if rec.Baseline == nil {
		rec.Baseline = []byte{}
	}
	return rec, nil
}

// Commit implements store.Store.
func (s *Store) Commit(ctx context.Context, c store.Change) (store.EventRecord, error) {
	if err := c.Validate(); err != nil {
		return store.EventRecord{}, err
	}

	var rec store.EventRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var path string
		err := tx.QueryRow(ctx, `SELECT file_path FROM path WHERE id = $1`, c.FileID).Scan(&path)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("file id %d: %w", c.FileID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var diff []byte
		if len(c.Diff) > 0 {
			diff = c.Diff
		}
		ts := s.clock.Now().Truncate(time.Microsecond)

		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO event (type_event, date_event, diff, path_id)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			c.Kind.String(), ts, diff, c.FileID).Scan(&id); err != nil {
			return err
		}

		if c.AdvanceBaseline {
			baseline := c.Baseline
			if baseline == nil {
				baseline = []byte{}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE path SET last_copy = $1 WHERE id = $2`, baseline, c.FileID); err != nil {
				return err
			}
		}

		rec = store.EventRecord{
			ID:        id,
			Kind:      c.Kind,
			Timestamp: ts,
			Diff:      c.Diff,
			PathID:    c.FileID,
			Path:      path,
		}
		return nil
	})
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("postgres: commit %s: %w", c.Kind, err)
	}
	return rec, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]store.EventRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultLimit
	}

	sql := `SELECT event.id, path.file_path, event.type_event, event.date_event, event.diff, event.path_id
	        FROM   event INNER JOIN path ON event.path_id = path.id`
	var args []any
	if q.Kind != nil {
		args = append(args, q.Kind.String())
		sql += ` WHERE event.type_event = $1`
	}
	args = append(args, limit, q.Offset)
	sql += ` ORDER BY event.date_event DESC, event.id DESC` +
		` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list events: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return out, nil
}

// GetEvent implements store.Store.
func (s *Store) GetEvent(ctx context.Context, id int64) (store.EventRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT event.id, path.file_path, event.type_event, event.date_event, event.diff, event.path_id
		 FROM   event INNER JOIN path ON event.path_id = path.id
		 WHERE  event.id = $1`, id)
	rec, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.EventRecord{}, fmt.Errorf("postgres: event %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("postgres: get event %d: %w", id, err)
	}
	return rec, nil
}

func scanEvent(row pgx.Row) (store.EventRecord, error) {
	var (
		rec  store.EventRecord
		kind *string
	)
	if err := row.Scan(&rec.ID, &rec.Path, &kind, &rec.Timestamp, &rec.Diff, &rec.PathID); err != nil {
		return store.EventRecord{}, err
	}
	if kind == nil {
		return store.EventRecord{}, fmt.Errorf("event %d has no type", rec.ID)
	}
	k, err := store.ParseEventKind(*kind)
	if err != nil {
		return store.EventRecord{}, err
	}
	rec.Kind = k
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}
