package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"overfloatd/internal/fsevent"
)

// IgnoreMatcher filters raw events by glob patterns. A pattern matches the
// full slash-separated path, the base name, or any single path component,
// so "node_modules" hides the whole subtree.
type IgnoreMatcher struct {
	mu       sync.RWMutex
	patterns []glob.Glob
	sources  []string
}

// NewIgnoreMatcher compiles patterns. Blank lines and lines starting with
// "#" are skipped.
func NewIgnoreMatcher(patterns []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{}
	if err := m.SetPatterns(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

// SetPatterns replaces the pattern set atomically.
func (m *IgnoreMatcher) SetPatterns(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	sources := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = filepath.ToSlash(p)
		g, err := glob.Compile(p, '/')
		if err != nil {
			return fmt.Errorf("ignore pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
		sources = append(sources, p)
	}

	m.mu.Lock()
	m.patterns = compiled
	m.sources = sources
	m.mu.Unlock()
	return nil
}

// Patterns returns the active patterns.
func (m *IgnoreMatcher) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.sources...)
}

// IsIgnored reports whether path matches any pattern.
func (m *IgnoreMatcher) IsIgnored(path string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.patterns) == 0 {
		return false
	}

	normalized := filepath.ToSlash(path)
	parts := strings.Split(strings.Trim(normalized, "/"), "/")
	for _, g := range m.patterns {
		if g.Match(normalized) {
			return true
		}
		for _, part := range parts {
			if part != "" && g.Match(part) {
				return true
			}
		}
	}
	return false
}

// Skip reports whether every path of raw is ignored. Events without paths
// are never skipped here; the normalizer drops them.
func (m *IgnoreMatcher) Skip(raw fsevent.RawEvent) bool {
	if m == nil || len(raw.Paths) == 0 {
		return false
	}
	for _, p := range raw.Paths {
		if !m.IsIgnored(p) {
			return false
		}
	}
	return true
}
