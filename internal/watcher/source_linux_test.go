//go:build linux

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overfloatd/internal/fsevent"
)

func nextRaw(t *testing.T, ch <-chan Result, match func(fsevent.RawEvent) bool) fsevent.RawEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			require.True(t, ok, "stream closed")
			if r.Err == nil && match(r.Event) {
				return r.Event
			}
		case <-timeout:
			t.Fatal("timed out waiting for raw event")
		}
	}
}

func TestInotifyMoveOutOfTree(t *testing.T) {
	watched := t.TempDir()
	outside := t.TempDir()
	file := filepath.Join(watched, "f.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewInotifySource(testLogger()).Watch(ctx, watched, true)
	require.NoError(t, err)

	require.NoError(t, os.Rename(file, filepath.Join(outside, "f.txt")))
	ev := nextRaw(t, ch, func(r fsevent.RawEvent) bool { return r.Kind == fsevent.RawModify })
	assert.Equal(t, fsevent.ModifyName, ev.Modify)
	assert.Equal(t, fsevent.RenameFrom, ev.Rename)
	assert.Equal(t, []string{file}, ev.Paths)
}

func TestInotifyMoveIntoTree(t *testing.T) {
	watched := t.TempDir()
	outside := t.TempDir()
	src := filepath.Join(outside, "f.txt")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewInotifySource(testLogger()).Watch(ctx, watched, true)
	require.NoError(t, err)

	dst := filepath.Join(watched, "f.txt")
	require.NoError(t, os.Rename(src, dst))
	ev := nextRaw(t, ch, func(r fsevent.RawEvent) bool { return r.Kind == fsevent.RawModify })
	assert.Equal(t, fsevent.RenameTo, ev.Rename)
	assert.Equal(t, []string{dst}, ev.Paths)
}

func TestInotifyCloseAfterWrite(t *testing.T) {
	watched := t.TempDir()
	file := filepath.Join(watched, "f.txt")
	fh, err := os.Create(file)
	require.NoError(t, err)
	_, err = fh.WriteString("hello")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewInotifySource(testLogger()).Watch(ctx, watched, true)
	require.NoError(t, err)

	// Only the close happens after the watch starts.
	require.NoError(t, fh.Close())
	ev := nextRaw(t, ch, func(r fsevent.RawEvent) bool { return r.Kind == fsevent.RawModify })
	assert.Equal(t, fsevent.ModifyData, ev.Modify)
	assert.Equal(t, []string{file}, ev.Paths)
}

func TestInotifyRenamedDirectoryKeepsWatching(t *testing.T) {
	watched := t.TempDir()
	oldDir := filepath.Join(watched, "old")
	require.NoError(t, os.Mkdir(oldDir, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewInotifySource(testLogger()).Watch(ctx, watched, true)
	require.NoError(t, err)

	newDir := filepath.Join(watched, "new")
	require.NoError(t, os.Rename(oldDir, newDir))
	ev := nextRaw(t, ch, func(r fsevent.RawEvent) bool { return r.Rename == fsevent.RenameBoth })
	assert.Equal(t, []string{oldDir, newDir}, ev.Paths)

	file := filepath.Join(newDir, "f.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	ev = nextRaw(t, ch, func(r fsevent.RawEvent) bool { return r.Kind == fsevent.RawCreate })
	assert.Equal(t, []string{file}, ev.Paths)
}

func TestInotifyCancelClosesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewInotifySource(testLogger()).Watch(ctx, t.TempDir(), true)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestInotifyRootRemoved(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.Mkdir(root, 0o755))

	ch, err := NewInotifySource(testLogger()).Watch(context.Background(), root, true)
	require.NoError(t, err)

	require.NoError(t, os.Remove(root))
	ev := nextRaw(t, ch, func(r fsevent.RawEvent) bool { return r.Kind == fsevent.RawRemove })
	assert.Equal(t, fsevent.RemoveFolder, ev.Remove)

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after root removal")
	}
}
