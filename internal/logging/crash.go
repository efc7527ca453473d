package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport is written for every recovered panic.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	Component    string    `json:"component"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler turns panics in daemon goroutines into crash reports and
// errors, so one failing component shuts the daemon down cleanly.
type CrashHandler struct {
	dir     string
	version string
	log     *slog.Logger

	mu sync.Mutex
}

// NewCrashHandler writes reports into dir. Reports are best effort: a
// directory that cannot be created only loses the file, never the error.
func NewCrashHandler(dir, version string, log *slog.Logger) *CrashHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CrashHandler{dir: dir, version: version, log: log}
}

// PanicError is returned by Guard when the guarded function panicked.
type PanicError struct {
	Component string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Component, e.Value)
}

// Guard wraps fn for errgroup.Go. A panic inside fn is reported and returned
// as a *PanicError.
func (h *CrashHandler) Guard(component string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				h.Report(component, r, debug.Stack())
				err = &PanicError{Component: component, Value: r}
			}
		}()
		return fn()
	}
}

// Report logs the panic and writes a crash report file.
func (h *CrashHandler) Report(component string, value any, stack []byte) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Component:    component,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(stack),
	}

	path, err := h.write(report)
	if err != nil {
		h.log.Error("panic recovered", "component", component, "panic", report.PanicValue,
			"report_error", err)
		return
	}
	h.log.Error("panic recovered", "component", component, "panic", report.PanicValue,
		"report", path)
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Component,
		report.Timestamp.Format("20060102-150405.000000000"))
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads the crash reports in the handler's directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Prune removes crash reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		if info, err := os.Stat(file); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
