//go:build linux

package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tripwire/fimd/internal/store"
	"github.com/tripwire/fimd/internal/watcher"
)

func TestMaskConstantsMatchKernelABI(t *testing.T) {
	assert.EqualValues(t, unix.IN_MODIFY, watcher.MaskModify)
	assert.EqualValues(t, unix.IN_MOVED_FROM, watcher.MaskMovedFrom)
	assert.EqualValues(t, unix.IN_MOVED_TO, watcher.MaskMovedTo)
	assert.EqualValues(t, unix.IN_CREATE, watcher.MaskCreate)
	assert.EqualValues(t, unix.IN_DELETE, watcher.MaskDelete)
	assert.EqualValues(t, unix.IN_Q_OVERFLOW, watcher.MaskOverflow)
	assert.EqualValues(t, unix.IN_IGNORED, watcher.MaskIgnored)
	assert.EqualValues(t, unix.IN_ISDIR, watcher.MaskIsDir)
}

func TestInotifySource_EmptyReadIsNoData(t *testing.T) {
	src, err := watcher.NewSource(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	_, err = src.AddWatch(t.TempDir())
	require.NoError(t, err)
	_, err = src.Read()
	assert.ErrorIs(t, err, watcher.ErrNoData)
}

func TestInotifySource_RejectsFiles(t *testing.T) {
	src, err := watcher.NewSource(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	f := filepath.Join(t.TempDir(), "f")
	writeFile(t, f, "x")
	_, err = src.AddWatch(f)
	assert.Error(t, err)
}

// TestInotifyLoop_EndToEnd drives a real inotify session through file and
// directory changes.
func TestInotifyLoop_EndToEnd(t *testing.T) {
	root := t.TempDir()
	src, err := watcher.NewSource(0)
	require.NoError(t, err)

	reg := watcher.NewRegistry(src, discardLogger())
	_, err = watcher.Subscribe(reg, root, discardLogger())
	require.NoError(t, err)

	var active atomic.Bool
	active.Store(true)
	files := &recordingHandler{}
	loop := watcher.NewLoop(watcher.LoopConfig{
		Source:       src,
		Registry:     reg,
		Files:        files,
		Gate:         watcher.GateFunc(active.Load),
		Logger:       discardLogger(),
		PollInterval: 5 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	a := filepath.Join(root, "a.txt")
	writeFile(t, a, "hello")
	require.Eventually(t, func() bool { return files.count(store.KindCreate, a) == 1 }, waitFor, tick)

	require.NoError(t, os.WriteFile(a, []byte("hello world"), 0o644))
	require.Eventually(t, func() bool { return files.count(store.KindModify, a) > 0 }, waitFor, tick)

	require.NoError(t, os.Remove(a))
	require.Eventually(t, func() bool { return files.count(store.KindDelete, a) == 1 }, waitFor, tick)

	sub := filepath.Join(root, "sub")
	b := filepath.Join(sub, "b.txt")
	mkdirAll(t, sub)
	writeFile(t, b, "b")
	require.Eventually(t, func() bool {
		_, watched := reg.Descriptor(sub)
		return watched && files.count(store.KindCreate, b) == 1
	}, waitFor, tick)

	moved := filepath.Join(t.TempDir(), "sub")
	require.NoError(t, os.Rename(sub, moved))
	require.Eventually(t, func() bool {
		_, watched := reg.Descriptor(sub)
		return !watched
	}, waitFor, tick)

	active.Store(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("loop did not observe stop")
	}
	assert.Zero(t, reg.Len())

	before := len(files.snapshot())
	writeFile(t, filepath.Join(root, "after.txt"), "x")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, files.snapshot(), before, "no events after stop")
}
