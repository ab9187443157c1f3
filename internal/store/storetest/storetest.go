// Package storetest holds the behavioural test suite every store.Store
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/fimd/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnsureFileCreatesOnce", func(t *testing.T) { testEnsureFileCreatesOnce(t, newStore(t)) })
	t.Run("EnsureFileEmptyBaseline", func(t *testing.T) { testEnsureFileEmptyBaseline(t, newStore(t)) })
	t.Run("GetFileNotFound", func(t *testing.T) { testGetFileNotFound(t, newStore(t)) })
	t.Run("CommitAdvancesBaseline", func(t *testing.T) { testCommitAdvancesBaseline(t, newStore(t)) })
	t.Run("CommitKeepsBaseline", func(t *testing.T) { testCommitKeepsBaseline(t, newStore(t)) })
	t.Run("CommitUnknownFile", func(t *testing.T) { testCommitUnknownFile(t, newStore(t)) })
	t.Run("CommitRejectsInvalid", func(t *testing.T) { testCommitRejectsInvalid(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, newStore(t)) })
	t.Run("ListFilterAndPage", func(t *testing.T) { testListFilterAndPage(t, newStore(t)) })
	t.Run("GetEvent", func(t *testing.T) { testGetEvent(t, newStore(t)) })
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func ensure(t *testing.T, s store.Store, path, baseline string) store.FileRecord {
	t.Helper()
	rec, _, err := s.EnsureFile(context.Background(), path, []byte(baseline))
	require.NoError(t, err)
	return rec
}

func commit(t *testing.T, s store.Store, c store.Change) store.EventRecord {
	t.Helper()
	ev, err := s.Commit(context.Background(), c)
	require.NoError(t, err)
	return ev
}

// ---------------------------------------------------------------------------
// Cases
// ---------------------------------------------------------------------------

func testEnsureFileCreatesOnce(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, created, err := s.EnsureFile(ctx, "/data/a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Positive(t, first.ID)
	assert.Equal(t, "hello", string(first.Baseline))

	second, created, err := s.EnsureFile(ctx, "/data/a.txt", []byte("other"))
	require.NoError(t, err)
	assert.False(t, created, "second ensure must not insert")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "hello", string(second.Baseline), "existing baseline must be kept")
}

func testEnsureFileEmptyBaseline(t *testing.T, s store.Store) {
	rec := ensure(t, s, "/data/gone.txt", "")
	assert.NotNil(t, rec.Baseline)
	assert.Empty(t, rec.Baseline)
}

func testGetFileNotFound(t *testing.T, s store.Store) {
	_, err := s.GetFile(context.Background(), "/nope")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testCommitAdvancesBaseline(t *testing.T, s store.Store) {
	f := ensure(t, s, "/data/a.txt", "hello")

	ev := commit(t, s, store.Change{
		FileID:          f.ID,
		Kind:            store.KindModify,
		Diff:            []byte("@@ -1 +1 @@\n"),
		Baseline:        []byte("hello world"),
		AdvanceBaseline: true,
	})
	assert.Positive(t, ev.ID)
	assert.Equal(t, store.KindModify, ev.Kind)
	assert.Equal(t, "/data/a.txt", ev.Path)
	assert.Equal(t, f.ID, ev.PathID)
	assert.False(t, ev.Timestamp.IsZero())

	got, err := s.GetFile(context.Background(), "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got.Baseline))
}

func testCommitKeepsBaseline(t *testing.T, s store.Store) {
	f := ensure(t, s, "/data/a.txt", "hello")

	ev := commit(t, s, store.Change{FileID: f.ID, Kind: store.KindDelete})
	assert.Empty(t, ev.Diff)

	got, err := s.GetFile(context.Background(), "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Baseline))

	stored, err := s.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Diff)
	assert.Equal(t, store.KindDelete, stored.Kind)
}

func testCommitUnknownFile(t *testing.T, s store.Store) {
	_, err := s.Commit(context.Background(), store.Change{FileID: 9999, Kind: store.KindCreate})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	events, err := s.ListEvents(context.Background(), store.EventQuery{})
	require.NoError(t, err)
	assert.Empty(t, events, "a failed commit must leave no event behind")
}

func testCommitRejectsInvalid(t *testing.T, s store.Store) {
	f := ensure(t, s, "/data/a.txt", "")
	_, err := s.Commit(context.Background(), store.Change{FileID: f.ID, Kind: store.KindReconcile})
	assert.Error(t, err)
}

func testListNewestFirst(t *testing.T, s store.Store) {
	f := ensure(t, s, "/data/a.txt", "")
	kinds := []store.EventKind{store.KindCreate, store.KindModify, store.KindMovedFrom, store.KindMovedTo, store.KindDelete}
	for _, k := range kinds {
		commit(t, s, store.Change{FileID: f.ID, Kind: k})
	}

	events, err := s.ListEvents(context.Background(), store.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, len(kinds))

	for i, ev := range events {
		assert.Equal(t, kinds[len(kinds)-1-i], ev.Kind, "position %d", i)
		assert.Equal(t, "/data/a.txt", ev.Path)
		if i > 0 {
			prev := events[i-1]
			assert.False(t, ev.Timestamp.After(prev.Timestamp), "timestamps must not increase down the list")
			assert.Less(t, ev.ID, prev.ID)
		}
	}
}

func testListFilterAndPage(t *testing.T, s store.Store) {
	a := ensure(t, s, "/data/a.txt", "")
	b := ensure(t, s, "/data/b.txt", "")
	for i := 0; i < 3; i++ {
		commit(t, s, store.Change{FileID: a.ID, Kind: store.KindModify})
	}
	commit(t, s, store.Change{FileID: b.ID, Kind: store.KindDelete})

	modify := store.KindModify
	events, err := s.ListEvents(context.Background(), store.EventQuery{Kind: &modify})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	page, err := s.ListEvents(context.Background(), store.EventQuery{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, store.KindModify, page[0].Kind)
}

func testGetEvent(t *testing.T, s store.Store) {
	f := ensure(t, s, "/data/a.txt", "")
	patch := []byte("@@ -0,0 +1 @@\n+hello\n\\ No newline at end of file\n")
	ev := commit(t, s, store.Change{
		FileID:          f.ID,
		Kind:            store.KindCreate,
		Diff:            patch,
		Baseline:        []byte("hello"),
		AdvanceBaseline: true,
	})

	got, err := s.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, patch, got.Diff)
	assert.Equal(t, "/data/a.txt", got.Path)
	assert.WithinDuration(t, ev.Timestamp, got.Timestamp, time.Millisecond)

	_, err = s.GetEvent(context.Background(), ev.ID+100)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}
