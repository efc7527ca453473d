// Package logging builds the daemon's slog loggers. Every logger derived
// from a Logger shares one slog.LevelVar, so a config reload can change the
// level without rebuilding handlers. File output goes through FileRotator.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config describes where and how the daemon logs.
type Config struct {
	Level     Level
	Format    Format
	AddSource bool

	// Output is "stdout", "stderr", "file" or "both" (stderr plus file).
	Output   string
	FilePath string

	// Rotation. MaxSize is in megabytes and MaxAge in days; zero disables
	// the corresponding limit.
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	// Component is attached to every record as "service".
	Component string
}

func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    50,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   true,
		Component:  "overfloatd",
	}
}

// defaultLogPath is a fallback. config.DefaultConfig supplies the
// platform log directory.
func defaultLogPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "overfloatd", "overfloatd.log")
}

// Logger is the root logger of the process.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar

	mu      sync.Mutex
	rotator *FileRotator
}

func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out, rotator, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource, ReplaceAttr: redact}
	var h slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(out, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.Component)})
	}

	return &Logger{Logger: slog.New(h), level: level, rotator: rotator}, nil
}

func openOutput(cfg *Config) (io.Writer, *FileRotator, error) {
	output := strings.ToLower(cfg.Output)
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("output %q needs a file path", output)
		}
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, nil, err
		}
		if output == "both" {
			return io.MultiWriter(os.Stderr, r), r, nil
		}
		return r, r, nil
	default:
		return os.Stderr, nil, nil
	}
}

// Keys containing any of these fragments are logged as [REDACTED].
var sensitiveFragments = []string{
	"password", "secret", "token", "credential",
	"cookie", "api_key", "apikey", "private_key", "bearer",
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// SetDefault makes l the slog default.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// WithComponent tags records with component=name. The returned logger
// follows SetLevel on l.
func (l *Logger) WithComponent(name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

func (l *Logger) SetLevel(level Level) { l.level.Set(level) }

func (l *Logger) Level() Level { return l.level.Level() }

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Sync()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	err := l.rotator.Close()
	l.rotator = nil
	return err
}

// ParseLevel accepts debug, info, warn (or warning) and error, in any case.
// The empty string means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// LevelString is the inverse of ParseLevel.
func LevelString(level Level) string {
	switch {
	case level <= LevelDebug:
		return "debug"
	case level >= LevelError:
		return "error"
	case level >= LevelWarn:
		return "warn"
	}
	return "info"
}

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}
