package keystroke

import (
	"context"
	"log/slog"
	"strings"

	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
)

// Detector turns raw key transitions into combination strings such as
// "LCtrl+LShft+A". It keeps one pressed-key map for the life of the
// process and is owned by a single goroutine: Handle must not be called
// concurrently.
type Detector struct {
	pressed map[Key]bool

	sink    notify.Sink
	log     *slog.Logger
	metrics *metrics.Overfloat
}

// NewDetector returns a detector that broadcasts combinations to sink.
func NewDetector(sink notify.Sink, log *slog.Logger, m *metrics.Overfloat) *Detector {
	if sink == nil {
		sink = notify.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewOverfloat(nil)
	}
	return &Detector{
		pressed: make(map[Key]bool),
		sink:    sink,
		log:     log.With("component", "keystroke"),
		metrics: m,
	}
}

// Handle applies ev to the pressed-key state and returns the combination it
// completes, if any.
//
// A key-down of a key already held is auto-repeat and ignored. Modifiers
// and unknown keys update state but never produce a combination.
func (d *Detector) Handle(ev KeyEvent) (string, bool) {
	switch ev.Kind {
	case KeyDown:
		if d.pressed[ev.Key] {
			return "", false
		}
		d.pressed[ev.Key] = true
		if ev.Key.IsModifier() || !ev.Key.Named() {
			return "", false
		}
		return d.combination(ev.Key), true

	case KeyUp:
		d.pressed[ev.Key] = false
	}
	return "", false
}

func (d *Detector) combination(k Key) string {
	var b strings.Builder
	for _, m := range Modifiers {
		if d.pressed[m] {
			b.WriteString(m.String())
			b.WriteByte('+')
		}
	}
	b.WriteString(k.String())
	return b.String()
}

// Pressed reports whether k is currently held.
func (d *Detector) Pressed(k Key) bool {
	return d.pressed[k]
}

// Run consumes events until ctx is done or the channel closes, broadcasting
// each combination on notify.KeypressChannel.
func (d *Detector) Run(ctx context.Context, events <-chan KeyEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.metrics.KeyEvents.Inc()
			combo, ok := d.Handle(ev)
			if !ok {
				continue
			}
			d.metrics.KeyCombinations.Inc()
			d.log.Debug("key combination", "key", combo)
			d.sink.Broadcast(notify.KeypressChannel, notify.KeypressPayload{Key: combo})
		}
	}
}
