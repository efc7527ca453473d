// Package notify is the delivery boundary between the daemon core and the
// consumers (overlay windows) it reports to.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Channel names as seen by consumers.
const (
	ChannelPrefix   = "Overfloat://"
	KeypressChannel = ChannelPrefix + "GlobalKeypress"
)

// FSEventChannel returns the per-watch channel name for watchID.
func FSEventChannel(watchID string) string {
	return ChannelPrefix + "FSEvent/" + watchID
}

// KeypressPayload is broadcast on KeypressChannel.
type KeypressPayload struct {
	Key string `json:"key"`
}

// Sink delivers named messages. Implementations must not block the caller
// for an unbounded time; undeliverable messages are dropped.
type Sink interface {
	// Emit delivers payload on channel to the consumer with the given label.
	Emit(consumer, channel string, payload any)
	// Broadcast delivers payload on channel to every consumer.
	Broadcast(channel string, payload any)
}

// Multi fans every message out to several sinks in order.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti returns a Multi over sinks. Nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add appends a sink.
func (m *Multi) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

func (m *Multi) Emit(consumer, channel string, payload any) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Emit(consumer, channel, payload)
	}
}

func (m *Multi) Broadcast(channel string, payload any) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Broadcast(channel, payload)
	}
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(string, string, any) {}
func (discard) Broadcast(string, any)    {}

// Logger records every message at debug level. It is useful when running the
// daemon without any connected consumer.
type Logger struct {
	Log *slog.Logger

	emitted atomic.Uint64
}

func (l *Logger) Emit(consumer, channel string, payload any) {
	l.emitted.Add(1)
	l.Log.Debug("emit", "consumer", consumer, "channel", channel, "payload", payload)
}

func (l *Logger) Broadcast(channel string, payload any) {
	l.emitted.Add(1)
	l.Log.Debug("broadcast", "channel", channel, "payload", payload)
}

// Count returns the number of messages seen.
func (l *Logger) Count() uint64 {
	return l.emitted.Load()
}
