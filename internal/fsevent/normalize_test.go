package fsevent

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStat(dirs ...string) StatFunc {
	set := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		set[d] = true
	}
	return func(path string) (bool, error) {
		return set[path], nil
	}
}

func failingStat(string) (bool, error) {
	return false, errors.New("no such file")
}

func TestMain(m *testing.M) {
	nowMillis = func() int64 { return 1700000000000 }
	os.Exit(m.Run())
}

func TestPairedNormalizer(t *testing.T) {
	n := &PairedNormalizer{Stat: fixedStat("/w/dir", "/w/newdir")}

	tests := []struct {
		name string
		raw  RawEvent
		want Event
		ok   bool
	}{
		{
			name: "create directory",
			raw:  CreateEvent("/w/dir"),
			want: Event{Kind: Created, IsDir: true, Path: "/w/dir", PathOld: "/w/dir"},
			ok:   true,
		},
		{
			name: "create file",
			raw:  RawEvent{Kind: RawCreate, Create: CreateFile, Paths: []string{"/w/f.txt"}},
			want: Event{Kind: Created, Path: "/w/f.txt", PathOld: "/w/f.txt"},
			ok:   true,
		},
		{
			name: "remove file",
			raw:  RemoveEvent(RemoveFile, "/w/f.txt"),
			want: Event{Kind: Removed, Path: "/w/f.txt", PathOld: "/w/f.txt"},
			ok:   true,
		},
		{
			name: "remove folder",
			raw:  RemoveEvent(RemoveFolder, "/w/gone"),
			want: Event{Kind: Removed, IsDir: true, Path: "/w/gone", PathOld: "/w/gone"},
			ok:   true,
		},
		{
			name: "remove any is dropped",
			raw:  RemoveEvent(RemoveAny, "/w/f.txt"),
		},
		{
			name: "modify data",
			raw:  ModifyEvent(ModifyData, "/w/f.txt"),
			want: Event{Kind: Modified, Path: "/w/f.txt", PathOld: "/w/f.txt"},
			ok:   true,
		},
		{
			name: "modify metadata is dropped",
			raw:  ModifyEvent(ModifyMetadata, "/w/f.txt"),
		},
		{
			name: "rename both",
			raw:  RenameEvent(RenameBoth, "/w/dir", "/w/newdir"),
			want: Event{Kind: Renamed, IsDir: true, Path: "/w/newdir", PathOld: "/w/dir"},
			ok:   true,
		},
		{
			name: "rename both with one path",
			raw:  RenameEvent(RenameBoth, "/w/a"),
			want: Event{Kind: Renamed, Path: "/w/a", PathOld: "/w/a"},
			ok:   true,
		},
		{
			name: "rename from is dropped",
			raw:  RenameEvent(RenameFrom, "/w/a"),
		},
		{
			name: "access is dropped",
			raw:  RawEvent{Kind: RawAccess, Paths: []string{"/w/a"}},
		},
		{
			name: "no paths is dropped",
			raw:  RawEvent{Kind: RawCreate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := n.Normalize(tt.raw)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			tt.want.Timestamp = 1700000000000
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPairedNormalizerStatFailure(t *testing.T) {
	n := &PairedNormalizer{Stat: failingStat}

	ev, ok := n.Normalize(CreateEvent("/w/vanished"))
	require.True(t, ok)
	assert.False(t, ev.IsDir)
}

func TestPairedNormalizerRealFilesystem(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	n := &PairedNormalizer{}
	ev, ok := n.Normalize(CreateEvent(sub))
	require.True(t, ok)
	assert.True(t, ev.IsDir)
}

func TestSplitNormalizer(t *testing.T) {
	n := NewSplitNormalizer(fixedStat("/w/dir"), nil)

	ev, ok := n.Normalize(CreateEvent("/w/dir"))
	require.True(t, ok)
	assert.Equal(t, Created, ev.Kind)
	assert.True(t, ev.IsDir)
	assert.Equal(t, "/w/dir", ev.PathOld)

	ev, ok = n.Normalize(ModifyEvent(ModifyAny, "/w/f.txt"))
	require.True(t, ok)
	assert.Equal(t, Modified, ev.Kind)
	assert.Equal(t, "/w/f.txt", ev.PathOld)

	_, ok = n.Normalize(ModifyEvent(ModifyData, "/w/f.txt"))
	assert.False(t, ok, "only generic modify is recognized")

	ev, ok = n.Normalize(RemoveEvent(RemoveAny, "/w/dir"))
	require.True(t, ok)
	assert.Equal(t, Removed, ev.Kind)
	assert.False(t, ev.IsDir)

	_, ok = n.Normalize(RawEvent{Kind: RawOther, Paths: []string{"/w/x"}})
	assert.False(t, ok)
}

func TestSplitNormalizerRenamePairing(t *testing.T) {
	n := NewSplitNormalizer(fixedStat(), nil)

	_, ok := n.Normalize(RenameEvent(RenameFrom, "/a"))
	assert.False(t, ok, "rename-from alone must not emit")

	ev, ok := n.Normalize(RenameEvent(RenameTo, "/b"))
	require.True(t, ok)
	assert.Equal(t, Renamed, ev.Kind)
	assert.Equal(t, "/b", ev.Path)
	assert.Equal(t, "/a", ev.PathOld)

	// The pending slot is not cleared by a rename-to.
	ev, ok = n.Normalize(RenameEvent(RenameTo, "/c"))
	require.True(t, ok)
	assert.Equal(t, "/a", ev.PathOld)
}

func TestSplitNormalizerRenameToWithoutFrom(t *testing.T) {
	n := NewSplitNormalizer(fixedStat(), nil)

	ev, ok := n.Normalize(RenameEvent(RenameTo, "/b"))
	require.True(t, ok)
	assert.Equal(t, "/b", ev.PathOld)
}

func TestFactoryRenameScope(t *testing.T) {
	t.Run("per watch", func(t *testing.T) {
		f := NewFactory(Split, Options{Stat: fixedStat()})
		first, second := f(), f()

		first.Normalize(RenameEvent(RenameFrom, "/first/a"))
		second.Normalize(RenameEvent(RenameFrom, "/second/a"))

		ev, ok := first.Normalize(RenameEvent(RenameTo, "/first/b"))
		require.True(t, ok)
		assert.Equal(t, "/first/a", ev.PathOld)
	})

	t.Run("shared", func(t *testing.T) {
		f := NewFactory(Split, Options{Stat: fixedStat(), SharedRenameState: true})
		first, second := f(), f()

		first.Normalize(RenameEvent(RenameFrom, "/first/a"))
		second.Normalize(RenameEvent(RenameFrom, "/second/a"))

		ev, ok := first.Normalize(RenameEvent(RenameTo, "/first/b"))
		require.True(t, ok)
		assert.Equal(t, "/second/a", ev.PathOld)
	})

	t.Run("paired", func(t *testing.T) {
		f := NewFactory(Paired, Options{})
		_, ok := f().(*PairedNormalizer)
		assert.True(t, ok)
	})
}

func TestSharedRenameStateConcurrent(t *testing.T) {
	n := NewFactory(Split, Options{Stat: fixedStat(), SharedRenameState: true})()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n.Normalize(RenameEvent(RenameFrom, "/a"))
				n.Normalize(RenameEvent(RenameTo, "/b"))
			}
		}()
	}
	wg.Wait()
}

func TestEventPayload(t *testing.T) {
	ev := Event{Kind: Renamed, IsDir: true, Path: "/b", PathOld: "/a", Timestamp: 42}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":3,"is_dir":true,"path":"/b","path_old":"/a","timestamp":42}`, string(data))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "renamed", Renamed.String())
	assert.True(t, Renamed.Valid())
	assert.False(t, Kind(4).Valid())
}
