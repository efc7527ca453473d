// Package config handles configuration loading, validation, and hot reload
// for overfloatd.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version" validate:"gte=1"`

	// DataDir holds the socket, database and crash reports unless those
	// paths are set explicitly.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir" validate:"required"`

	// ModulesDir is the root that relative file command paths resolve
	// against: <modules_dir>/<module_name>/<path>.
	ModulesDir string `toml:"modules_dir" json:"modules_dir" yaml:"modules_dir" validate:"required"`

	Watch    WatchConfig    `toml:"watch" json:"watch" yaml:"watch"`
	Keyboard KeyboardConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`
	IPC      IPCConfig      `toml:"ipc" json:"ipc" yaml:"ipc"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics" yaml:"metrics"`
	DBus     DBusConfig     `toml:"dbus" json:"dbus" yaml:"dbus"`
}

// WatchConfig holds file watching configuration.
type WatchConfig struct {
	// Backend selects the notification source: "native" (inotify on Linux,
	// ReadDirectoryChangesW on Windows) or "fsnotify".
	Backend string `toml:"backend" json:"backend" yaml:"backend" validate:"oneof=native fsnotify"`

	// IgnorePatterns are glob patterns matched against the full path and the
	// base name of every raw event.
	IgnorePatterns []string `toml:"ignore_patterns" json:"ignore_patterns" yaml:"ignore_patterns"`

	// SharedRenameState pairs split rename halves across watches instead of
	// per watch.
	SharedRenameState bool `toml:"shared_rename_state" json:"shared_rename_state" yaml:"shared_rename_state"`
}

// KeyboardConfig holds the global key hook configuration.
type KeyboardConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Devices overrides keyboard discovery on Linux.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// QueueSize bounds the hook channel; a full queue drops events.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size" validate:"gte=1,lte=65536"`
}

// IPCConfig holds the local socket configuration.
type IPCConfig struct {
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path" validate:"required"`

	// StopWatchesOnDisconnect cancels a consumer's watches when its last
	// connection closes.
	StopWatchesOnDisconnect bool `toml:"stop_watches_on_disconnect" json:"stop_watches_on_disconnect" yaml:"stop_watches_on_disconnect"`

	MaxConnections  int `toml:"max_connections" json:"max_connections" yaml:"max_connections" validate:"gte=1,lte=4096"`
	OutboxSize      int `toml:"outbox_size" json:"outbox_size" yaml:"outbox_size" validate:"gte=1"`
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec" validate:"gte=1,lte=300"`

	// RateLimit is requests per second per consumer; 0 disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
}

// StorageConfig holds the document store configuration.
type StorageConfig struct {
	Path string `toml:"path" json:"path" yaml:"path" validate:"required"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format     string `toml:"format" json:"format" yaml:"format" validate:"oneof=text json"`
	Output     string `toml:"output" json:"output" yaml:"output" validate:"oneof=stdout stderr file both"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the optional HTTP endpoint serving /metrics.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// DBusConfig enables D-Bus signal fan-out of events (Linux only).
type DBusConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version:    Version,
		DataDir:    dir,
		ModulesDir: filepath.Join(dir, "modules"),
		Watch: WatchConfig{
			Backend:        "native",
			IgnorePatterns: []string{},
		},
		Keyboard: KeyboardConfig{
			Enabled:   true,
			Devices:   []string{},
			QueueSize: 64,
		},
		IPC: IPCConfig{
			SocketPath:              DefaultSocketPath(dir),
			StopWatchesOnDisconnect: true,
			MaxConnections:          64,
			OutboxSize:              256,
			WriteTimeoutSec:         10,
			RateLimit:               200,
			RateBurst:               400,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dir, "overfloatd.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "overfloatd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ModulesDir,
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base overfloatd directory: OVERFLOAT_DATA_DIR when set,
// the platform data directory otherwise.
func DataDir() string {
	if envDir := os.Getenv("OVERFLOAT_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies OVERFLOAT_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OVERFLOAT_MODULES_DIR"); v != "" {
		c.ModulesDir = v
	}
	if v := os.Getenv("OVERFLOAT_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("OVERFLOAT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("OVERFLOAT_WATCH_BACKEND"); v != "" {
		c.Watch.Backend = v
	}
	if v := os.Getenv("OVERFLOAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OVERFLOAT_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("OVERFLOAT_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = v
	}
	if v, err := strconv.ParseBool(os.Getenv("OVERFLOAT_KEYBOARD")); err == nil {
		c.Keyboard.Enabled = v
	}
	if v, err := strconv.ParseBool(os.Getenv("OVERFLOAT_DBUS")); err == nil {
		c.DBus.Enabled = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Watch.IgnorePatterns = append([]string{}, c.Watch.IgnorePatterns...)
	clone.Keyboard.Devices = append([]string{}, c.Keyboard.Devices...)
	return &clone
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	data, err := encodeTOML(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func encodeTOML(c *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
