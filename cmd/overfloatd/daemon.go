package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"overfloatd/internal/config"
	"overfloatd/internal/fileio"
	"overfloatd/internal/fsevent"
	"overfloatd/internal/health"
	"overfloatd/internal/ipc"
	"overfloatd/internal/keystroke"
	"overfloatd/internal/logging"
	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
	"overfloatd/internal/store"
	"overfloatd/internal/watcher"
)

// housekeepingInterval drives uptime and drop-counter refreshes.
const housekeepingInterval = 5 * time.Second

// Daemon wires the watch registry, the key detector and the IPC server
// together for one run.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *logging.Logger
	log     *slog.Logger
	metrics *metrics.Overfloat
	crash   *logging.CrashHandler

	// keys overrides the platform key source; tests inject a simulated one.
	keys keystroke.Source

	mu       sync.RWMutex
	ignore   *watcher.IgnoreMatcher
	registry *watcher.Registry
	server   *ipc.Server
	checker  *health.Checker
	keyboard struct {
		live   bool
		detail string
	}

	ready chan struct{}
}

// NewDaemon prepares a daemon; nothing is opened until Run.
func NewDaemon(cfg *config.Config, version string, logger *logging.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger,
		log:     logger.WithComponent("daemon"),
		metrics: metrics.NewOverfloat(nil),
		crash:   logging.NewCrashHandler(filepath.Join(cfg.DataDir, "crashes"), version, logger.Logger),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the IPC socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Teardown happens in reverse order of startup.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	docs, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer docs.Close()

	source, err := watcher.NewSource(cfg.Watch.Backend, d.logger.WithComponent("source"))
	if err != nil {
		return err
	}
	ignore, err := watcher.NewIgnoreMatcher(cfg.Watch.IgnorePatterns)
	if err != nil {
		return fmt.Errorf("ignore patterns: %w", err)
	}

	sinks := notify.NewMulti(&notify.Logger{Log: d.logger.WithComponent("notify")})
	registry := watcher.NewRegistry(watcher.Options{
		Source: source,
		Normalizers: fsevent.NewFactory(source.Style(), fsevent.Options{
			SharedRenameState: cfg.Watch.SharedRenameState,
		}),
		Ignore:  ignore,
		Sink:    sinks,
		Logger:  d.logger.WithComponent("watcher"),
		Metrics: d.metrics,
	})
	defer registry.Close()

	server := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Version:        d.version,
		WriteTimeout:   time.Duration(cfg.IPC.WriteTimeoutSec) * time.Second,
		MaxConnections: cfg.IPC.MaxConnections,
		OutboxSize:     cfg.IPC.OutboxSize,
		RateLimit:      cfg.IPC.RateLimit,
		RateBurst:      cfg.IPC.RateBurst,
		VerifyPeer:     true,
		Logger:         d.logger.Logger,
		Metrics:        d.metrics,
	}, nil)
	sinks.Add(server)

	if cfg.DBus.Enabled {
		bus, err := notify.NewDBusSink(d.logger.WithComponent("dbus"))
		if err != nil {
			d.log.Warn("dbus notifications unavailable", "error", err)
		} else {
			defer bus.Close()
			sinks.Add(bus)
		}
	}

	server.SetHandler(ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Watches:   registry,
		Files:     fileio.New(cfg.ModulesDir, d.logger.WithComponent("fileio")),
		Documents: docs,
		Clients:   server,
		Backend:   source.Name(),
		Keyboard:  d.keyboardStatus,
		Metrics:   d.metrics,
		Logger:    d.logger.Logger,
	}))
	if cfg.IPC.StopWatchesOnDisconnect {
		server.OnDisconnect(func(consumer string) {
			if n := registry.UnregisterConsumer(consumer); n > 0 {
				d.log.Info("consumer gone, watches stopped", "consumer", consumer, "watches", n)
			}
		})
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	defer server.Stop()

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.PingCheck(docs.DB().PingContext))
	checker.RegisterFunc("ipc", true, health.SocketCheck(server.SocketPath()))
	checker.RegisterFunc("keyboard", false, health.FlagCheck(d.keyboardStatus))

	d.mu.Lock()
	d.ignore, d.registry, d.server, d.checker = ignore, registry, server, checker
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	keys := d.startKeyboard(gctx, g, sinks)

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           newHTTPHandler(d.metrics, checker, registry, d.version),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(d.crash.Guard("http", func() error {
			d.log.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		}))
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(d.crash.Guard("housekeeping", func() error {
		d.housekeeping(gctx, keys)
		return nil
	}))

	d.log.Info("overfloatd started",
		"version", d.version,
		"socket", server.SocketPath(),
		"backend", source.Name(),
		"keyboard", d.keyboardLive(),
	)
	checker.SetReady(true)
	close(d.ready)

	err = g.Wait()
	d.log.Info("overfloatd stopping")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startKeyboard starts the key source and its detector. An unavailable
// source is logged and leaves the daemon running without key events.
func (d *Daemon) startKeyboard(ctx context.Context, g *errgroup.Group, sink notify.Sink) keystroke.Source {
	if !d.cfg.Keyboard.Enabled {
		d.setKeyboard(false, "disabled by configuration")
		return nil
	}

	src := d.keys
	if src == nil {
		src = keystroke.New(keystroke.Options{
			Devices: d.cfg.Keyboard.Devices,
			Buffer:  d.cfg.Keyboard.QueueSize,
			Logger:  d.logger.WithComponent("keyboard"),
		})
	}

	events, err := src.Start(ctx)
	if err != nil {
		d.log.Warn("global key hook unavailable", "error", err)
		d.setKeyboard(false, err.Error())
		return nil
	}
	d.setKeyboard(src.Available())

	detector := keystroke.NewDetector(sink, d.logger.WithComponent("keys"), d.metrics)
	g.Go(d.crash.Guard("keys", func() error {
		defer src.Stop()
		if err := detector.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
	return src
}

func (d *Daemon) housekeeping(ctx context.Context, keys keystroke.Source) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	var reported uint64
	for {
		d.metrics.UpdateUptime()
		if keys != nil {
			if n := keys.Dropped(); n > reported {
				d.metrics.KeyEventsDropped.Add(n - reported)
				d.log.Warn("key events dropped", "count", n-reported)
				reported = n
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) setKeyboard(live bool, detail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyboard.live, d.keyboard.detail = live, detail
}

func (d *Daemon) keyboardStatus() (bool, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keyboard.live, d.keyboard.detail
}

func (d *Daemon) keyboardLive() bool {
	live, _ := d.keyboardStatus()
	return live
}

// Apply takes the settings that can change without a restart from a
// reloaded configuration: the log level and the ignore patterns.
func (d *Daemon) Apply(old, cfg *config.Config) {
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil && level != d.logger.Level() {
		d.logger.SetLevel(level)
		d.log.Info("log level changed", "level", logging.LevelString(level))
	}

	d.mu.RLock()
	ignore := d.ignore
	d.mu.RUnlock()
	if ignore != nil {
		if err := ignore.SetPatterns(cfg.Watch.IgnorePatterns); err != nil {
			d.log.Warn("ignore patterns not applied", "error", err)
		}
	}

	if restartRequired(old, cfg) {
		d.log.Warn("configuration change takes effect after restart")
	}
}

// restartRequired reports changes to settings only read at startup.
func restartRequired(old, cfg *config.Config) bool {
	if old == nil {
		return false
	}
	return old.IPC != cfg.IPC ||
		old.Storage != cfg.Storage ||
		old.Watch.Backend != cfg.Watch.Backend ||
		old.Watch.SharedRenameState != cfg.Watch.SharedRenameState ||
		old.Keyboard.Enabled != cfg.Keyboard.Enabled ||
		old.Metrics != cfg.Metrics ||
		old.DBus != cfg.DBus ||
		old.ModulesDir != cfg.ModulesDir
}
