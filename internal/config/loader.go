package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// A codec reads and writes one file format.
type codec struct {
	name   string
	decode func(data []byte, cfg *Config) error
	encode func(cfg *Config) ([]byte, error)
}

var (
	tomlCodec = codec{
		name: "TOML",
		decode: func(data []byte, cfg *Config) error {
			_, err := toml.Decode(string(data), cfg)
			return err
		},
		encode: encodeTOML,
	}
	jsonCodec = codec{
		name:   "JSON",
		decode: func(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return json.MarshalIndent(cfg, "", "  ") },
	}
	yamlCodec = codec{
		name:   "YAML",
		decode: func(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) {
			var buf bytes.Buffer
			enc := yaml.NewEncoder(&buf)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return nil, err
			}
			if err := enc.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	}
)

// codecFor picks a codec by extension. Unknown extensions return false.
func codecFor(path string) (codec, bool) {
	switch filepath.Ext(path) {
	case ".toml":
		return tomlCodec, true
	case ".json":
		return jsonCodec, true
	case ".yaml", ".yml":
		return yamlCodec, true
	}
	return codec{}, false
}

// loadConfigFromFile decodes path over the defaults. A missing file yields
// the defaults; a file without a known extension is tried as TOML, JSON and
// YAML in that order.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	candidates := []codec{tomlCodec, jsonCodec, yamlCodec}
	if c, ok := codecFor(path); ok {
		candidates = []codec{c}
	}

	var errs []error
	for _, c := range candidates {
		cfg := DefaultConfig()
		if err := c.decode(data, cfg); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", c.name, err))
			continue
		}
		return cfg, nil
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, fmt.Errorf("unable to parse config file: %w", errors.Join(errs...))
}

// SaveConfig writes cfg to path in the format its extension names, TOML by
// default.
func SaveConfig(cfg *Config, path string) error {
	c, ok := codecFor(path)
	if !ok {
		c = tomlCodec
	}
	data, err := c.encode(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// reloadDelay coalesces the bursts of writes editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Loader keeps the current configuration and reloads it when the file
// changes. A reload that fails to parse or validate keeps the previous
// configuration and is reported on Errors.
type Loader struct {
	path string
	log  *slog.Logger

	mu       sync.RWMutex
	current  *Config
	onChange []func(old, new *Config)

	fsw  *fsnotify.Watcher
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	errs chan error
}

// NewLoader creates a loader for path. An empty path uses ConfigPath.
func NewLoader(path string, log *slog.Logger) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		path: path,
		log:  log.With("component", "config"),
		stop: make(chan struct{}),
		errs: make(chan error, 1),
	}
}

func (l *Loader) Path() string { return l.path }

// Load reads the file and makes the result current.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers cb to run after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors delivers reload failures. Only the oldest undelivered one is kept.
func (l *Loader) Errors() <-chan error { return l.errs }

// Watch starts following the file. The parent directory is watched so that
// editors which save by replacing the file are still seen.
func (l *Loader) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(l.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.fsw = fsw

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.follow()
	}()
	return nil
}

func (l *Loader) follow() {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	name := filepath.Base(l.path)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&relevant != 0 {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-timer.C:
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	updated, err := Load(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	previous := l.current
	l.current = updated
	callbacks := slices.Clone(l.onChange)
	l.mu.Unlock()

	l.log.Info("configuration reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(previous, updated)
	}
}

func (l *Loader) report(err error) {
	l.log.Warn("config watch error", "error", err)
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		if l.fsw != nil {
			err = l.fsw.Close()
		}
		l.wg.Wait()
	})
	return err
}
