// Package watcher runs filesystem watches on behalf of consumers and
// delivers normalized change events to them.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"overfloatd/internal/fsevent"
)

// Errors reported by sources.
var (
	ErrUnknownBackend = errors.New("watcher: unknown backend")
	ErrOverflow       = errors.New("watcher: event queue overflow")
)

// Backend names accepted by NewSource.
const (
	BackendNative   = "native"
	BackendFsnotify = "fsnotify"
)

// Result is one item of a source stream: either a raw event or an error.
// Errors do not end the stream; a closed channel does.
type Result struct {
	Event fsevent.RawEvent
	Err   error
}

// Source subscribes to raw notifications for a path.
type Source interface {
	// Watch starts a subscription. The returned channel is closed, and every
	// OS resource released, once ctx is cancelled or the backend gives up.
	Watch(ctx context.Context, path string, recursive bool) (<-chan Result, error)

	// Style reports the event shape the source produces, which decides the
	// normalizer variant.
	Style() fsevent.Style

	// Name identifies the backend in logs.
	Name() string
}

// NewSource returns the backend selected by name. An empty name selects the
// native backend for the running platform.
func NewSource(name string, log *slog.Logger) (Source, error) {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(name) {
	case "", BackendNative:
		return newNativeSource(log), nil
	case BackendFsnotify:
		return NewFsnotifySource(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// send delivers r unless ctx is done first. It reports whether r was sent.
func send(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
