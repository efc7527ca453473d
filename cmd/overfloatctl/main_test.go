package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overfloatd/internal/fileio"
	"overfloatd/internal/fsevent"
	"overfloatd/internal/ipc"
	"overfloatd/internal/notify"
	"overfloatd/internal/store"
	"overfloatd/internal/watcher"
)

type memWatches struct {
	mu    sync.Mutex
	paths map[watcher.Key]string
}

func (m *memWatches) Register(key watcher.Key, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[key] = path
}

func (m *memWatches) Unregister(key watcher.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, key)
}

func (m *memWatches) Active(key watcher.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paths[key]
	return ok
}

func (m *memWatches) Watches() []watcher.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []watcher.Info{}
	for k, p := range m.paths {
		out = append(out, watcher.Info{Consumer: k.Consumer, WatchID: k.WatchID, Path: p, State: "running"})
	}
	return out
}

func (m *memWatches) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}

type fixture struct {
	server  *ipc.Server
	watches *memWatches
	modules string
}

func startDaemon(t *testing.T) *fixture {
	t.Helper()
	// Unix socket paths are limited to ~100 bytes; t.TempDir can exceed it.
	dir, err := os.MkdirTemp("", "ovfc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	docs, err := store.Open(filepath.Join(dir, "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	f := &fixture{
		watches: &memWatches{paths: make(map[watcher.Key]string)},
		modules: filepath.Join(dir, "modules"),
	}
	cfg := ipc.DefaultServerConfig(dir)
	cfg.Version = "test"
	f.server = ipc.NewServer(cfg, nil)
	f.server.SetHandler(ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Watches:   f.watches,
		Files:     fileio.New(f.modules, nil),
		Documents: docs,
		Clients:   f.server,
		Backend:   "fake",
		Keyboard:  func() (bool, string) { return false, "no devices" },
	}))
	require.NoError(t, f.server.Start())
	t.Cleanup(func() { f.server.Stop() })
	return f
}

type result struct {
	code   int
	stdout string
	stderr string
}

func (f *fixture) run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"-socket", f.server.SocketPath(), "-timeout", "5s"}, args...)
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"no command", nil, 2, "Usage: overfloatctl"},
		{"unknown command", []string{"frobnicate"}, 2, "unknown command: frobnicate"},
		{"watch without path", []string{"-socket", "/nonexistent", "watch"}, 2, "usage: overfloatctl watch"},
		{"document without action", []string{"-socket", "/nonexistent", "config"}, 2, "usage: overfloatctl config"},
		{"bad flag", []string{"-bogus"}, 2, "flag provided but not defined"},
		{"help flag", []string{"-h"}, 0, "Usage: overfloatctl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := run(context.Background(), tt.args, strings.NewReader(""), &out, &errOut)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, errOut.String(), tt.want)
		})
	}
}

func TestDaemonNotRunning(t *testing.T) {
	var out, errOut bytes.Buffer
	socket := filepath.Join(t.TempDir(), "missing.sock")
	code := run(context.Background(), []string{"-socket", socket, "ping"}, strings.NewReader(""), &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "daemon is not running")
	assert.Contains(t, errOut.String(), "start the daemon")
}

func TestPingAndStatus(t *testing.T) {
	f := startDaemon(t)

	res := f.run(t, "", "ping")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "RUNNING")

	res = f.run(t, "", "-json", "status")
	require.Equal(t, 0, res.code, res.stderr)
	var st ipc.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &st))
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "fake", st.WatchBackend)
	assert.False(t, st.Keyboard)

	res = f.run(t, "", "status")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "DAEMON STATUS")
	assert.Contains(t, res.stdout, "no devices")
}

func TestWatchesAndUnwatch(t *testing.T) {
	f := startDaemon(t)
	f.watches.Register(watcher.Key{Consumer: "overfloatctl", WatchID: "w1"}, "/srv/notes")

	res := f.run(t, "", "-json", "watches", "overfloatctl")
	require.Equal(t, 0, res.code, res.stderr)
	var watches []watcher.Info
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &watches))
	require.Len(t, watches, 1)
	assert.Equal(t, "/srv/notes", watches[0].Path)

	res = f.run(t, "", "unwatch", "w1")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "stopped w1")
	assert.Equal(t, 0, f.watches.len())

	res = f.run(t, "", "unwatch", "w1")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "was not running")

	res = f.run(t, "", "watches")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "No running watches")
}

func TestReadWriteModuleFiles(t *testing.T) {
	f := startDaemon(t)

	res := f.run(t, "", "write", "-module", "notes", "today.md", "hello")
	require.Equal(t, 0, res.code, res.stderr)

	res = f.run(t, " world", "write", "-module", "notes", "-append", "today.md")
	require.Equal(t, 0, res.code, res.stderr)

	data, err := os.ReadFile(filepath.Join(f.modules, "notes", "today.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	res = f.run(t, "", "read", "-module", "notes", "today.md")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "hello world", res.stdout)

	res = f.run(t, "", "read", "-module", "notes", "../escape.md")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "escapes module directory")
}

func TestDocuments(t *testing.T) {
	f := startDaemon(t)

	res := f.run(t, `{"theme":"dark"}`, "config", "set")
	require.Equal(t, 0, res.code, res.stderr)

	res = f.run(t, "", "config", "get")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, `{"theme":"dark"}`, strings.TrimSpace(res.stdout))

	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"work"}]`), 0o600))
	res = f.run(t, "", "profiles", "set", path)
	require.Equal(t, 0, res.code, res.stderr)

	res = f.run(t, "", "-json", "profiles", "get")
	require.Equal(t, 0, res.code, res.stderr)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	assert.Equal(t, `[{"name":"work"}]`, got["profiles"])
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchStreamsUntilCancelled(t *testing.T) {
	f := startDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-socket", f.server.SocketPath(), "watch", "/srv/notes", "w9"},
			strings.NewReader(""), &out, &errOut)
	}()

	key := watcher.Key{Consumer: "overfloatctl", WatchID: "w9"}
	require.Eventually(t, func() bool { return f.watches.Active(key) }, 3*time.Second, 10*time.Millisecond)

	f.server.Emit("overfloatctl", notify.FSEventChannel("w9"), fsevent.Event{
		Kind:    fsevent.Created,
		Path:    "/srv/notes/a.md",
		PathOld: "/srv/notes/a.md",
	})
	f.server.Broadcast(notify.KeypressChannel, notify.KeypressPayload{Key: "LCtrl+A"})

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "created /srv/notes/a.md")
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code, errOut.String())
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	assert.NotContains(t, out.String(), "LCtrl+A")
	assert.False(t, f.watches.Active(key))
}

func TestWatchResolvesRelativePath(t *testing.T) {
	f := startDaemon(t)
	t.Chdir(t.TempDir())
	cwd, err := os.Getwd()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-socket", f.server.SocketPath(), "watch", "notes", "w5"},
			strings.NewReader(""), &out, &errOut)
	}()

	key := watcher.Key{Consumer: "overfloatctl", WatchID: "w5"}
	require.Eventually(t, func() bool { return f.watches.Active(key) }, 3*time.Second, 10*time.Millisecond)

	watches := f.watches.Watches()
	require.Len(t, watches, 1)
	assert.Equal(t, filepath.Join(cwd, "notes"), watches[0].Path)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code, errOut.String())
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestPrintEvent(t *testing.T) {
	delivered := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	happened := delivered.Add(-1500 * time.Millisecond)

	encode := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}

	t.Run("fs event uses its own timestamp", func(t *testing.T) {
		var buf bytes.Buffer
		a := &app{out: &buf}
		a.printEvent(&ipc.Event{
			Channel:   notify.FSEventChannel("w1"),
			Timestamp: delivered,
			Payload: encode(fsevent.Event{
				Kind:      fsevent.Renamed,
				IsDir:     true,
				Path:      "/srv/new",
				PathOld:   "/srv/old",
				Timestamp: happened.UnixMilli(),
			}),
		})
		assert.Equal(t, "["+happened.Format("15:04:05.000")+"] renamed/dir  renamed /srv/old -> /srv/new\n", buf.String())
	})

	t.Run("unknown kind prints the raw payload", func(t *testing.T) {
		var buf bytes.Buffer
		a := &app{out: &buf}
		payload := json.RawMessage(`{"kind":9,"path":"/srv/x"}`)
		a.printEvent(&ipc.Event{
			Channel:   notify.FSEventChannel("w1"),
			Timestamp: delivered,
			Payload:   payload,
		})
		assert.Equal(t, "["+delivered.Format("15:04:05.000")+"] "+notify.FSEventChannel("w1")+" "+string(payload)+"\n", buf.String())
	})
}
