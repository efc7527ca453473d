// overfloatd is the background service behind the Overfloat overlay: it
// watches directories for consumers, detects global key combinations, and
// serves file and document commands over a local socket.
//
//	overfloatd [-config path] [-log-level level] [-no-keyboard]
//	overfloatd -write-config path
//	overfloatd -version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"overfloatd/internal/config"
	"overfloatd/internal/ipc"
	"overfloatd/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("overfloatd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (default: search standard locations)")
	logLevel := fs.String("log-level", "", "override logging.level")
	noKeyboard := fs.Bool("no-keyboard", false, "disable the global key hook")
	writeConfig := fs.String("write-config", "", "write the effective configuration to `path` and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("overfloatd %s (protocol %d)\n", Version, ipc.ProtocolVersion)
		return 0
	}

	path := *configPath
	if path == "" {
		if found := config.FindConfigFile(); found != "" {
			path = found
		}
	}
	loader := config.NewLoader(path, nil)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "overfloatd: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *noKeyboard {
		cfg.Keyboard.Enabled = false
	}

	if *writeConfig != "" {
		if err := config.SaveConfig(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "overfloatd: %v\n", err)
			return 1
		}
		fmt.Printf("configuration written to %s\n", *writeConfig)
		return 0
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "overfloatd: %v\n", err)
		return 1
	}
	defer logger.Close()
	logging.SetDefault(logger)

	daemon := NewDaemon(cfg, Version, logger)

	loader.OnChange(func(old, updated *config.Config) {
		if *logLevel != "" {
			updated.Logging.Level = *logLevel
		}
		daemon.Apply(old, updated)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	}
	defer loader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			logger.Error("another overfloatd is already serving this socket", "socket", cfg.IPC.SocketPath)
		} else {
			logger.Error("daemon failed", "error", err)
		}
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = logging.ParseFormat(cfg.Logging.Format)
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	return logging.New(lc)
}
