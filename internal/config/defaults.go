package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/overfloatd/
//   - Linux:   $XDG_DATA_HOME/overfloatd/ or ~/.local/share/overfloatd/
//   - Windows: %LOCALAPPDATA%\overfloatd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "overfloatd")
	case "windows":
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return filepath.Join(v, "overfloatd")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "overfloatd")
	default:
		if v := os.Getenv("XDG_DATA_HOME"); v != "" {
			return filepath.Join(v, "overfloatd")
		}
		return filepath.Join(homeDir(), ".local", "share", "overfloatd")
	}
}

// PlatformConfigDir returns the directory searched for config files.
// macOS and Windows keep config next to the data.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
			return filepath.Join(v, "overfloatd")
		}
		return filepath.Join(homeDir(), ".config", "overfloatd")
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "overfloatd")
	case "windows":
		return filepath.Join(PlatformDataDir(), "logs")
	default:
		if v := os.Getenv("XDG_STATE_HOME"); v != "" {
			return filepath.Join(v, "overfloatd")
		}
		return filepath.Join(homeDir(), ".local", "state", "overfloatd")
	}
}

// PlatformRuntimeDir returns the directory for the socket on Linux:
// $XDG_RUNTIME_DIR/overfloatd, falling back to /tmp/overfloatd-<uid>.
// Other platforms return "".
func PlatformRuntimeDir() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "overfloatd")
	}
	return filepath.Join(os.TempDir(), "overfloatd-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath places the socket in the runtime directory when the
// platform has one and in dataDir otherwise. OVERFLOAT_DATA_DIR pins it to
// the data directory so isolated instances never share a socket.
func DefaultSocketPath(dataDir string) string {
	if os.Getenv("OVERFLOAT_DATA_DIR") == "" {
		if dir := PlatformRuntimeDir(); dir != "" {
			return filepath.Join(dir, "overfloatd.sock")
		}
	}
	return filepath.Join(dataDir, "overfloatd.sock")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, then the platform config
// directory, then the data directory for config.<ext>. It returns "" when
// none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
