// Package health aggregates component checks for the daemon's HTTP probes.
//
// Critical components (the document store, the IPC socket) make the daemon
// unhealthy when they fail; the rest (the global key hook) only degrade it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check performs a health check.
type Check func(ctx context.Context) CheckResult

// Component is a named check.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks and keeps their last results.
type Checker struct {
	started time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	ready   bool
}

type entry struct {
	comp Component
	last CheckResult
}

// NewChecker creates an empty, not-ready Checker.
func NewChecker() *Checker {
	return &Checker{started: time.Now(), entries: make(map[string]*entry)}
}

// Register adds or replaces a component. A zero Timeout means two seconds.
func (c *Checker) Register(comp *Component) {
	e := &entry{comp: *comp, last: CheckResult{Status: StatusUnknown}}
	if e.comp.Timeout <= 0 {
		e.comp.Timeout = 2 * time.Second
	}
	c.mu.Lock()
	c.entries[comp.Name] = e
	c.mu.Unlock()
}

func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and records the results. A check
// that panics or outlives its timeout counts as unhealthy.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	pending := make([]Component, 0, len(c.entries))
	for _, e := range c.entries {
		pending = append(pending, e.comp)
	}
	c.mu.RUnlock()

	out := make([]CheckResult, len(pending))
	var wg sync.WaitGroup
	for i := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = runOne(ctx, pending[i])
		}()
	}
	wg.Wait()

	results := make(map[string]CheckResult, len(pending))
	c.mu.Lock()
	for i, comp := range pending {
		results[comp.Name] = out[i]
		if e, ok := c.entries[comp.Name]; ok {
			e.last = out[i]
		}
	}
	c.mu.Unlock()
	return results
}

func runOne(ctx context.Context, comp Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// Results returns the last recorded result of every component.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckResult, len(c.entries))
	for name, e := range c.entries {
		out[name] = e.last
	}
	return out
}

// OverallStatus folds the last results into one status. A critical
// component that is unhealthy makes the daemon unhealthy, one never checked
// makes it unknown, and any other failure degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		switch st := e.last.Status; {
		case st == StatusUnhealthy && e.comp.Critical:
			return StatusUnhealthy
		case st == StatusUnknown && e.comp.Critical:
			overall = StatusUnknown
		case st == StatusUnhealthy || st == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and summarizes the outcome.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.Check(ctx)

	return Report{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// LivenessHandler answers 200 while the process is serving HTTP at all.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		c.Check(r.Context())
		if c.OverallStatus() == StatusUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(StatusUnhealthy)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

// HealthHandler serves the full Report. version is included verbatim.
func (c *Checker) HealthHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context())
		report.Version = version

		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// PingCheck wraps a database ping.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// SocketCheck dials the unix socket at path.
func SocketCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "socket not accepting", Error: err.Error()}
		}
		conn.Close()
		return CheckResult{Status: StatusHealthy, Details: map[string]any{"path": path}}
	}
}

// FlagCheck reports degraded when state returns false, with its detail as
// the message.
func FlagCheck(state func() (bool, string)) Check {
	return func(context.Context) CheckResult {
		ok, detail := state()
		if !ok {
			return CheckResult{Status: StatusDegraded, Message: detail}
		}
		return CheckResult{Status: StatusHealthy, Message: detail}
	}
}
