// Package keystroke watches the global keyboard and reports key
// combinations.
//
// Platform support:
//   - Linux: reads /dev/input/event* keyboards (requires the input group or root)
//   - Windows: installs a WH_KEYBOARD_LL low-level hook
//   - other platforms: not available; a SimulatedSource can stand in
//
// Sources deliver raw KeyEvents on a channel that has exactly one reader,
// the Detector, so pressed-key state is never touched from hook callbacks.
package keystroke

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind distinguishes key presses from releases.
type EventKind uint8

const (
	KeyDown EventKind = iota + 1
	KeyUp
)

func (k EventKind) String() string {
	switch k {
	case KeyDown:
		return "down"
	case KeyUp:
		return "up"
	default:
		return "unknown"
	}
}

// KeyEvent is one raw key transition from a hook.
type KeyEvent struct {
	Kind EventKind
	Key  Key
	Time time.Time
}

// Source delivers global key events.
type Source interface {
	// Start installs the hook. The returned channel is closed after Stop or
	// when ctx is cancelled.
	Start(ctx context.Context) (<-chan KeyEvent, error)

	// Stop removes the hook.
	Stop() error

	// Available reports whether the hook can be installed with the current
	// permissions, with a human-readable reason.
	Available() (bool, string)

	// Dropped returns the number of events discarded because the channel
	// was full.
	Dropped() uint64
}

// Options configures a platform source.
type Options struct {
	// Devices overrides keyboard discovery on Linux.
	Devices []string
	// Buffer is the event channel capacity. Default 64.
	Buffer int
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New returns the Source for the current platform.
func New(opts Options) Source {
	opts.setDefaults()
	return newPlatformSource(opts)
}

// Errors returned by sources.
var (
	ErrNotAvailable     = errors.New("global keyboard hook not available on this platform")
	ErrPermissionDenied = errors.New("insufficient permissions for the keyboard hook")
	ErrAlreadyRunning   = errors.New("keyboard source already running")
)

// BaseSource holds the channel plumbing shared by platform sources.
// Deliver never blocks, so it is safe to call from a hook callback.
type BaseSource struct {
	mu      sync.RWMutex
	running bool
	events  chan KeyEvent
	dropped atomic.Uint64
}

// open marks the source running and returns a fresh channel.
func (b *BaseSource) open(size int) (chan KeyEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil, ErrAlreadyRunning
	}
	b.events = make(chan KeyEvent, size)
	b.running = true
	return b.events, nil
}

// Deliver queues ev without blocking and reports whether it was queued.
func (b *BaseSource) Deliver(ev KeyEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return false
	}
	select {
	case b.events <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// close stops delivery and closes the channel. It is idempotent.
func (b *BaseSource) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.events)
}

// IsRunning returns the running state.
func (b *BaseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *BaseSource) Dropped() uint64 {
	return b.dropped.Load()
}

// SimulatedSource is a Source driven by the caller. It backs tests and
// headless runs where no real hook can be installed.
type SimulatedSource struct {
	BaseSource
	buffer int
	stop   func() bool
}

// NewSimulated returns a simulated source with the given channel capacity.
func NewSimulated(buffer int) *SimulatedSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &SimulatedSource{buffer: buffer}
}

func (s *SimulatedSource) Start(ctx context.Context) (<-chan KeyEvent, error) {
	ch, err := s.open(s.buffer)
	if err != nil {
		return nil, err
	}
	s.stop = context.AfterFunc(ctx, s.close)
	return ch, nil
}

func (s *SimulatedSource) Stop() error {
	if s.stop != nil {
		s.stop()
	}
	s.close()
	return nil
}

func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated keyboard source"
}

// Press delivers a key-down for k.
func (s *SimulatedSource) Press(k Key) bool {
	return s.Deliver(KeyEvent{Kind: KeyDown, Key: k, Time: time.Now()})
}

// Release delivers a key-up for k.
func (s *SimulatedSource) Release(k Key) bool {
	return s.Deliver(KeyEvent{Kind: KeyUp, Key: k, Time: time.Now()})
}

// Chord presses keys in order and then releases them in reverse.
func (s *SimulatedSource) Chord(keys ...Key) {
	for _, k := range keys {
		s.Press(k)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		s.Release(keys[i])
	}
}
