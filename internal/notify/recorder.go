package notify

import (
	"sync"
	"time"
)

// Message is one delivery captured by a Recorder. Consumer is empty for
// broadcasts.
type Message struct {
	Consumer  string
	Channel   string
	Payload   any
	Broadcast bool
}

// Recorder is an in-memory Sink that keeps every message. It is used by
// tests and by the CLI's dry-run mode.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	notify   chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(consumer, channel string, payload any) {
	r.add(Message{Consumer: consumer, Channel: channel, Payload: payload})
}

func (r *Recorder) Broadcast(channel string, payload any) {
	r.add(Message{Channel: channel, Payload: payload, Broadcast: true})
}

func (r *Recorder) add(m Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Reset discards recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}

// WaitFor blocks until match returns true for some recorded message or the
// timeout elapses.
func (r *Recorder) WaitFor(timeout time.Duration, match func(Message) bool) (Message, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, m := range r.Messages() {
			if match(m) {
				return m, true
			}
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return Message{}, false
		}
	}
}
