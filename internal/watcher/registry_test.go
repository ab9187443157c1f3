package watcher_test

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/fimd/internal/store"
	"github.com/tripwire/fimd/internal/watcher"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		mask uint32
		want store.EventKind
		ok   bool
	}{
		{watcher.MaskCreate, store.KindCreate, true},
		{watcher.MaskDelete, store.KindDelete, true},
		{watcher.MaskModify, store.KindModify, true},
		{watcher.MaskMovedFrom, store.KindMovedFrom, true},
		{watcher.MaskMovedTo, store.KindMovedTo, true},
		{watcher.MaskCreate | watcher.MaskIsDir, store.KindCreate, true},
		{watcher.MaskIgnored, 0, false},
		{watcher.MaskOverflow, 0, false},
		{watcher.MaskCreate | watcher.MaskDelete, 0, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		got, ok := watcher.Classify(tt.mask)
		assert.Equal(t, tt.ok, ok, "mask %#x", tt.mask)
		if tt.ok {
			assert.Equal(t, tt.want, got, "mask %#x", tt.mask)
		}
	}
}

func TestRegistry_AddResolveLookup(t *testing.T) {
	root := t.TempDir()
	src := newFakeSource()
	reg := watcher.NewRegistry(src, discardLogger())

	wd, err := reg.Add(root)
	require.NoError(t, err)

	dir, ok := reg.Lookup(wd)
	require.True(t, ok)
	assert.Equal(t, root, dir)

	p, ok := reg.Resolve(wd, "a.txt")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "a.txt"), p)

	_, ok = reg.Resolve(wd, "")
	assert.False(t, ok, "event without a name must not resolve")
	_, ok = reg.Resolve(wd+100, "a.txt")
	assert.False(t, ok, "unknown descriptor must not resolve")

	again, err := reg.Add(root)
	require.NoError(t, err)
	assert.Equal(t, wd, again)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_AddMissingDirectory(t *testing.T) {
	reg := watcher.NewRegistry(newFakeSource(), discardLogger())
	_, err := reg.Add(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Zero(t, reg.Len())
}

func TestRegistry_ForgetKeepsSource(t *testing.T) {
	root := t.TempDir()
	src := newFakeSource()
	reg := watcher.NewRegistry(src, discardLogger())
	wd, err := reg.Add(root)
	require.NoError(t, err)

	assert.True(t, reg.Forget(root))
	assert.False(t, reg.Forget(root))
	_, ok := reg.Lookup(wd)
	assert.False(t, ok)
	assert.Empty(t, src.removed, "Forget must not call the source")
}

func TestRegistry_UnsubscribeSubtree(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	ab := filepath.Join(a, "b")
	ax := filepath.Join(root, "ax")
	mkdirAll(t, ab, ax)

	src := newFakeSource()
	reg := watcher.NewRegistry(src, discardLogger())
	for _, d := range []string{root, a, ab, ax} {
		_, err := reg.Add(d)
		require.NoError(t, err)
	}

	removed := reg.Unsubscribe(a)
	assert.Equal(t, []string{a, ab}, removed)
	assert.Equal(t, []string{root, ax}, reg.Paths(), "sibling with shared prefix must survive")
	assert.Len(t, src.removed, 2)
}

func TestRegistry_OnChangeAndClose(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	mkdirAll(t, sub)

	src := newFakeSource()
	reg := watcher.NewRegistry(src, discardLogger())
	var counts []int
	reg.OnChange(func(n int) { counts = append(counts, n) })

	_, err := reg.Add(root)
	require.NoError(t, err)
	_, err = reg.Add(sub)
	require.NoError(t, err)
	reg.Close()

	assert.Equal(t, []int{1, 2, 0}, counts)
	assert.Zero(t, reg.Len())
	assert.Len(t, src.removed, 2)
}

// ---------------------------------------------------------------------------
// Subscribe
// ---------------------------------------------------------------------------

func TestSubscribe_WalksEveryDirectory(t *testing.T) {
	root := t.TempDir()
	mkdirAll(t,
		filepath.Join(root, "a", "b", "c"),
		filepath.Join(root, "d"),
	)
	writeFile(t, filepath.Join(root, "top.txt"), "x")
	writeFile(t, filepath.Join(root, "a", "b", "deep.txt"), "y")

	outside := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	reg := watcher.NewRegistry(newFakeSource(), discardLogger())
	w, err := watcher.Subscribe(reg, root, discardLogger())
	require.NoError(t, err)

	want := []string{
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "a", "b", "c"),
		filepath.Join(root, "d"),
	}
	sort.Strings(want)
	assert.Equal(t, want, reg.Paths())
	assert.Equal(t, len(want), w.Dirs)

	_, watched := reg.Descriptor(outside)
	assert.False(t, watched, "symlinked directory must not be followed")

	files := append([]string(nil), w.Files...)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(root, "a", "b", "deep.txt"),
		link,
		filepath.Join(root, "top.txt"),
	}, files)
}

func TestSubscribe_SkipsFailingSubtree(t *testing.T) {
	root := t.TempDir()
	bad := filepath.Join(root, "bad")
	mkdirAll(t, filepath.Join(bad, "inner"), filepath.Join(root, "good"))
	writeFile(t, filepath.Join(bad, "hidden.txt"), "z")

	src := newFakeSource()
	src.failAdd[bad] = os.ErrNotExist
	reg := watcher.NewRegistry(src, discardLogger())

	w, err := watcher.Subscribe(reg, root, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{root, filepath.Join(root, "good")}, reg.Paths())
	assert.Equal(t, 2, w.Dirs)
	assert.Empty(t, w.Files)
}

func TestSubscribe_RootFailure(t *testing.T) {
	reg := watcher.NewRegistry(newFakeSource(), discardLogger())
	_, err := watcher.Subscribe(reg, filepath.Join(t.TempDir(), "gone"), discardLogger())
	require.Error(t, err)
	assert.Zero(t, reg.Len())
}

// ---------------------------------------------------------------------------
// DirHandler
// ---------------------------------------------------------------------------

func TestDirHandler_CreateSubscribesPrepopulatedTree(t *testing.T) {
	root := t.TempDir()
	reg := watcher.NewRegistry(newFakeSource(), discardLogger())
	_, err := reg.Add(root)
	require.NoError(t, err)

	sub := filepath.Join(root, "sub")
	mkdirAll(t, filepath.Join(sub, "nested"))
	writeFile(t, filepath.Join(sub, "b.txt"), "b")

	h := watcher.NewDirHandler(reg, discardLogger())
	files := h.Handle(store.KindCreate, sub)

	assert.Equal(t, []string{filepath.Join(sub, "b.txt")}, files)
	assert.Equal(t, []string{root, sub, filepath.Join(sub, "nested")}, reg.Paths())
}

func TestDirHandler_DeleteAndMove(t *testing.T) {
	root := t.TempDir()
	gone := filepath.Join(root, "gone")
	moved := filepath.Join(root, "moved")
	mkdirAll(t, gone, filepath.Join(moved, "child"))

	src := newFakeSource()
	reg := watcher.NewRegistry(src, discardLogger())
	_, err := watcher.Subscribe(reg, root, discardLogger())
	require.NoError(t, err)
	h := watcher.NewDirHandler(reg, discardLogger())

	require.NoError(t, os.Remove(gone))
	assert.Nil(t, h.Handle(store.KindDelete, gone))
	assert.Empty(t, src.removed, "the kernel drops deleted watches itself")

	target := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, os.Rename(moved, target))
	assert.Nil(t, h.Handle(store.KindMovedFrom, moved))

	assert.Equal(t, []string{root}, reg.Paths())
	assert.Len(t, src.removed, 2)
}

func TestDirHandler_MovedInMatchesFilesystem(t *testing.T) {
	root := t.TempDir()
	reg := watcher.NewRegistry(newFakeSource(), discardLogger())
	_, err := watcher.Subscribe(reg, root, discardLogger())
	require.NoError(t, err)
	h := watcher.NewDirHandler(reg, discardLogger())

	staging := filepath.Join(t.TempDir(), "pkg")
	mkdirAll(t, filepath.Join(staging, "lib"))
	writeFile(t, filepath.Join(staging, "lib", "x.so"), "elf")

	dest := filepath.Join(root, "pkg")
	require.NoError(t, os.Rename(staging, dest))
	files := h.Handle(store.KindMovedTo, dest)

	assert.Equal(t, []string{filepath.Join(dest, "lib", "x.so")}, files)
	assert.Equal(t, existingDirs(t, root), reg.Paths())
}

// existingDirs lists every directory under root, root included.
func existingDirs(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}
