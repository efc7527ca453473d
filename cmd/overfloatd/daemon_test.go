package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overfloatd/internal/config"
	"overfloatd/internal/fsevent"
	"overfloatd/internal/health"
	"overfloatd/internal/ipc"
	"overfloatd/internal/keystroke"
	"overfloatd/internal/logging"
	"overfloatd/internal/notify"
	"overfloatd/internal/watcher"
)

type harness struct {
	daemon *Daemon
	keys   *keystroke.SimulatedSource
	cfg    *config.Config
	cancel context.CancelFunc
	done   chan error
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// Unix socket paths are limited to ~100 bytes; t.TempDir can exceed it.
	dir, err := os.MkdirTemp("", "ovfd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("OVERFLOAT_DATA_DIR", dir)

	cfg := config.DefaultConfig()
	cfg.Watch.Backend = "fsnotify"
	cfg.Keyboard.Enabled = true
	cfg.Metrics.Enabled = false
	cfg.DBus.Enabled = false
	cfg.IPC.StopWatchesOnDisconnect = true
	cfg.Logging.Level = "warn"
	require.NoError(t, cfg.Validate())
	return cfg
}

func startDaemon(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}

	logger, err := newLogger(cfg)
	require.NoError(t, err)

	h := &harness{
		daemon: NewDaemon(cfg, "test", logger),
		keys:   keystroke.NewSimulated(64),
		cfg:    cfg,
		done:   make(chan error, 1),
	}
	h.daemon.keys = h.keys

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.daemon.Run(ctx) }()

	select {
	case <-h.daemon.Ready():
	case err := <-h.done:
		t.Fatalf("daemon exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return h
}

func (h *harness) connect(t *testing.T, name string) *ipc.IPCClient {
	t.Helper()
	cfg := ipc.DefaultClientConfig(h.cfg.DataDir)
	cfg.SocketPath = h.cfg.IPC.SocketPath
	cfg.ClientName = name
	cfg.RequestTimeout = 5 * time.Second
	c := ipc.NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func waitEvent(t *testing.T, c *ipc.IPCClient, channel string, timeout time.Duration) (*ipc.Event, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return nil, false
			}
			if ev.Channel == channel {
				return ev, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

func TestDaemonDeliversFileEvents(t *testing.T) {
	h := startDaemon(t, nil)
	c := h.connect(t, "editor")

	root := t.TempDir()
	resp, err := c.Watch(context.Background(), root, "w1")
	require.NoError(t, err)
	assert.Equal(t, notify.FSEventChannel("w1"), resp.Channel)

	// The backend installs its watch asynchronously, so keep creating files
	// until one is reported.
	var got fsevent.Event
	found := false
	for i := 0; i < 50 && !found; i++ {
		path := filepath.Join(root, "note-"+strconv.Itoa(i)+".md")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

		ev, ok := waitEvent(t, c, resp.Channel, 200*time.Millisecond)
		if !ok {
			continue
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &got))
		found = true
	}
	require.True(t, found, "no file event delivered")
	assert.True(t, strings.HasPrefix(got.Path, root))
	assert.True(t, got.Kind.Valid())
}

func TestDaemonBroadcastsKeypresses(t *testing.T) {
	h := startDaemon(t, nil)
	a := h.connect(t, "editor")
	b := h.connect(t, "launcher")

	h.keys.Chord(keystroke.KeyControlLeft, keystroke.KeyA)

	for _, c := range []*ipc.IPCClient{a, b} {
		ev, ok := waitEvent(t, c, notify.KeypressChannel, 2*time.Second)
		require.True(t, ok, "keypress not delivered")
		var payload notify.KeypressPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, "LCtrl+A", payload.Key)
	}

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Keyboard)
	assert.Equal(t, "fsnotify", st.WatchBackend)
}

func TestDaemonKeyboardDisabled(t *testing.T) {
	h := startDaemon(t, func(cfg *config.Config) { cfg.Keyboard.Enabled = false })
	c := h.connect(t, "editor")

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Keyboard)
	assert.Equal(t, "disabled by configuration", st.KeyboardDetail)
}

func TestDaemonStopsWatchesWhenConsumerLeaves(t *testing.T) {
	h := startDaemon(t, nil)
	c := h.connect(t, "editor")

	_, err := c.Watch(context.Background(), t.TempDir(), "w1")
	require.NoError(t, err)
	_, err = c.Watch(context.Background(), t.TempDir(), "w2")
	require.NoError(t, err)

	h.daemon.mu.RLock()
	registry := h.daemon.registry
	h.daemon.mu.RUnlock()
	require.Equal(t, 2, registry.Len())

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestDaemonApply(t *testing.T) {
	h := startDaemon(t, nil)
	require.Equal(t, logging.LevelWarn, h.daemon.logger.Level())

	updated := h.cfg.Clone()
	updated.Logging.Level = "debug"
	updated.Watch.IgnorePatterns = []string{"*.tmp"}
	h.daemon.Apply(h.cfg, updated)

	assert.Equal(t, logging.LevelDebug, h.daemon.logger.Level())

	h.daemon.mu.RLock()
	ignore := h.daemon.ignore
	h.daemon.mu.RUnlock()
	assert.True(t, ignore.IsIgnored("/work/scratch.tmp"))
}

func TestRestartRequired(t *testing.T) {
	t.Setenv("OVERFLOAT_DATA_DIR", t.TempDir())
	base := config.DefaultConfig()

	tests := []struct {
		name   string
		change func(*config.Config)
		want   bool
	}{
		{"no change", func(*config.Config) {}, false},
		{"log level", func(c *config.Config) { c.Logging.Level = "debug" }, false},
		{"ignore patterns", func(c *config.Config) { c.Watch.IgnorePatterns = []string{"*.bak"} }, false},
		{"socket path", func(c *config.Config) { c.IPC.SocketPath = "/tmp/other.sock" }, true},
		{"backend", func(c *config.Config) { c.Watch.Backend = "fsnotify" }, true},
		{"metrics", func(c *config.Config) { c.Metrics.Enabled = !c.Metrics.Enabled }, true},
		{"modules dir", func(c *config.Config) { c.ModulesDir = "/srv/modules" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base.Clone()
			tt.change(next)
			assert.Equal(t, tt.want, restartRequired(base, next))
		})
	}
	assert.False(t, restartRequired(nil, base))
}

func TestHTTPHandler(t *testing.T) {
	h := startDaemon(t, nil)
	c := h.connect(t, "editor")
	_, err := c.Watch(context.Background(), t.TempDir(), "w1")
	require.NoError(t, err)

	h.daemon.mu.RLock()
	handler := newHTTPHandler(h.daemon.metrics, h.daemon.checker, h.daemon.registry, "test")
	h.daemon.mu.RUnlock()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.Equal(t, "test", report.Version)
	assert.Contains(t, report.Components, "store")
	assert.Contains(t, report.Components, "ipc")
	assert.Equal(t, health.StatusHealthy, report.Components["keyboard"].Status)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/watches?consumer=editor")
	require.NoError(t, err)
	var watches []watcher.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&watches))
	resp.Body.Close()
	require.Len(t, watches, 1)
	assert.Equal(t, "w1", watches[0].WatchID)

	resp, err = http.Get(srv.URL + "/watches?consumer=nobody")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&watches))
	resp.Body.Close()
	assert.Empty(t, watches)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
