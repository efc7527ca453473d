package watcher

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overfloatd/internal/fsevent"
	"overfloatd/internal/notify"
)

func sourcesUnderTest(t *testing.T) map[string]Source {
	native, err := NewSource(BackendNative, testLogger())
	require.NoError(t, err)
	return map[string]Source{
		"native":   native,
		"fsnotify": NewFsnotifySource(testLogger()),
	}
}

func waitKind(t *testing.T, sink *notify.Recorder, kind fsevent.Kind, path string) fsevent.Event {
	t.Helper()
	msg, ok := sink.WaitFor(3*time.Second, func(m notify.Message) bool {
		ev, ok := m.Payload.(fsevent.Event)
		return ok && ev.Kind == kind && ev.Path == path
	})
	require.True(t, ok, "expected %s event for %s, got %v", kind, path, sink.Messages())
	return msg.Payload.(fsevent.Event)
}

func TestWatchEndToEnd(t *testing.T) {
	for name, src := range sourcesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			sink := notify.NewRecorder()
			reg := NewRegistry(Options{Source: src, Sink: sink, Logger: testLogger()})
			defer reg.Close()

			key := Key{Consumer: "A", WatchID: "w1"}
			reg.Register(key, dir)
			require.True(t, reg.Active(key))

			file := filepath.Join(dir, "f.txt")
			require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

			ev := waitKind(t, sink, fsevent.Created, file)
			assert.False(t, ev.IsDir)
			assert.Equal(t, file, ev.PathOld)
			for _, m := range sink.Messages() {
				assert.Equal(t, "A", m.Consumer)
				assert.Equal(t, notify.FSEventChannel("w1"), m.Channel)
			}

			reg.Unregister(key)
			sink.Reset()

			require.NoError(t, os.WriteFile(filepath.Join(dir, "g.txt"), []byte("x"), 0o644))
			require.NoError(t, os.Remove(file))
			time.Sleep(100 * time.Millisecond)
			assert.Equal(t, 0, sink.Len(), "no events after unregister")
		})
	}
}

func TestWatchRecursiveDirectories(t *testing.T) {
	for name, src := range sourcesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			existing := filepath.Join(dir, "existing")
			require.NoError(t, os.Mkdir(existing, 0o755))

			sink := notify.NewRecorder()
			reg := NewRegistry(Options{Source: src, Sink: sink, Logger: testLogger()})
			defer reg.Close()
			reg.Register(Key{Consumer: "A", WatchID: "w1"}, dir)

			nested := filepath.Join(existing, "nested.txt")
			require.NoError(t, os.WriteFile(nested, nil, 0o644))
			waitKind(t, sink, fsevent.Created, nested)

			sub := filepath.Join(dir, "sub")
			require.NoError(t, os.Mkdir(sub, 0o755))
			ev := waitKind(t, sink, fsevent.Created, sub)
			assert.True(t, ev.IsDir)

			// Give the backend a moment to add the new directory watch.
			time.Sleep(50 * time.Millisecond)
			inner := filepath.Join(sub, "inner.txt")
			require.NoError(t, os.WriteFile(inner, nil, 0o644))
			waitKind(t, sink, fsevent.Created, inner)
		})
	}
}

func TestWatchRenameNative(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("native rename pairing is only implemented for inotify and ReadDirectoryChangesW")
	}
	src, err := NewSource(BackendNative, testLogger())
	require.NoError(t, err)

	dir := t.TempDir()
	from := filepath.Join(dir, "a.txt")
	to := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(from, nil, 0o644))

	sink := notify.NewRecorder()
	reg := NewRegistry(Options{Source: src, Sink: sink, Logger: testLogger()})
	defer reg.Close()
	reg.Register(Key{Consumer: "A", WatchID: "w1"}, dir)

	require.NoError(t, os.Rename(from, to))
	ev := waitKind(t, sink, fsevent.Renamed, to)
	assert.Equal(t, from, ev.PathOld)
}

func TestWatchRenameFsnotify(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "a.txt")
	to := filepath.Join(dir, "b.txt")
	oldDir := filepath.Join(dir, "old")
	newDir := filepath.Join(dir, "new")
	require.NoError(t, os.WriteFile(from, nil, 0o644))
	require.NoError(t, os.Mkdir(oldDir, 0o755))

	sink := notify.NewRecorder()
	reg := NewRegistry(Options{Source: NewFsnotifySource(testLogger()), Sink: sink, Logger: testLogger()})
	defer reg.Close()
	reg.Register(Key{Consumer: "A", WatchID: "w1"}, dir)

	require.NoError(t, os.Rename(from, to))
	ev := waitKind(t, sink, fsevent.Removed, from)
	assert.False(t, ev.IsDir)
	waitKind(t, sink, fsevent.Created, to)

	require.NoError(t, os.Rename(oldDir, newDir))
	ev = waitKind(t, sink, fsevent.Removed, oldDir)
	assert.True(t, ev.IsDir)
	ev = waitKind(t, sink, fsevent.Created, newDir)
	assert.True(t, ev.IsDir)
}

func TestWatchRemoveNative(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("inotify reports file and folder removal separately")
	}
	src, err := NewSource(BackendNative, testLogger())
	require.NoError(t, err)

	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.NoError(t, os.Mkdir(sub, 0o755))

	sink := notify.NewRecorder()
	reg := NewRegistry(Options{Source: src, Sink: sink, Logger: testLogger()})
	defer reg.Close()
	reg.Register(Key{Consumer: "A", WatchID: "w1"}, dir)

	require.NoError(t, os.Remove(file))
	ev := waitKind(t, sink, fsevent.Removed, file)
	assert.False(t, ev.IsDir)

	require.NoError(t, os.Remove(sub))
	ev = waitKind(t, sink, fsevent.Removed, sub)
	assert.True(t, ev.IsDir)
}

func TestWatchMissingPath(t *testing.T) {
	src, err := NewSource(BackendNative, testLogger())
	require.NoError(t, err)

	sink := notify.NewRecorder()
	reg := NewRegistry(Options{Source: src, Sink: sink, Logger: testLogger()})
	defer reg.Close()

	key := Key{Consumer: "A", WatchID: "w1"}
	reg.Register(key, filepath.Join(t.TempDir(), "does-not-exist"))
	assert.False(t, reg.Active(key))
}
