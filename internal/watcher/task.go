package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"overfloatd/internal/fsevent"
	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
)

// Key identifies one watch slot. The same WatchID may exist independently
// under different consumers.
type Key struct {
	Consumer string
	WatchID  string
}

func (k Key) String() string {
	return k.Consumer + "/" + k.WatchID
}

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskRunning TaskState = iota
	// TaskCancelled is terminal. A task whose source stream ended on its own
	// also ends here.
	TaskCancelled
)

func (s TaskState) String() string {
	if s == TaskRunning {
		return "running"
	}
	return "cancelled"
}

// Task pumps one source subscription through a normalizer into a sink.
type Task struct {
	key     Key
	path    string
	channel string
	started time.Time

	norm    fsevent.Normalizer
	ignore  *IgnoreMatcher
	sink    notify.Sink
	log     *slog.Logger
	metrics *metrics.Overfloat

	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
	events atomic.Uint64

	// gate serializes delivery against Stop so nothing is emitted once a
	// stop has been requested.
	gate    sync.Mutex
	stopped bool
}

type taskConfig struct {
	source  Source
	norm    fsevent.Normalizer
	ignore  *IgnoreMatcher
	sink    notify.Sink
	log     *slog.Logger
	metrics *metrics.Overfloat
	onExit  func(*Task)
}

// startTask subscribes to the source and starts the pump. A subscription
// failure is returned without starting anything.
func startTask(parent context.Context, key Key, path string, cfg taskConfig) (*Task, error) {
	ctx, cancel := context.WithCancel(parent)
	stream, err := cfg.source.Watch(ctx, path, true)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	t := &Task{
		key:     key,
		path:    path,
		channel: notify.FSEventChannel(key.WatchID),
		started: time.Now(),
		norm:    cfg.norm,
		ignore:  cfg.ignore,
		sink:    cfg.sink,
		log:     cfg.log.With("consumer", key.Consumer, "watch", key.WatchID),
		metrics: cfg.metrics,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.metrics.WatchesActive.Inc()

	go t.run(stream, cfg.onExit)
	return t, nil
}

func (t *Task) run(stream <-chan Result, onExit func(*Task)) {
	defer func() {
		// Wait for the source to close its stream, which happens only after
		// it has released its OS resources.
		for range stream {
		}
		t.state.Store(int32(TaskCancelled))
		t.metrics.WatchesActive.Dec()
		close(t.done)
		if onExit != nil {
			onExit(t)
		}
	}()

	for r := range stream {
		if r.Err != nil {
			t.metrics.SourceErrors.Inc()
			t.log.Warn("watch source error", "error", r.Err)
			continue
		}
		t.metrics.RawEvents.Inc()

		if t.ignore.Skip(r.Event) {
			t.metrics.FileEventsIgnored.Inc()
			continue
		}

		ev, ok := t.norm.Normalize(r.Event)
		if !ok {
			t.metrics.FileEventsDropped.Inc()
			continue
		}
		if !t.deliver(ev) {
			return
		}
	}
	t.log.Debug("watch source closed")
}

// deliver emits ev unless the task has been stopped. It reports whether the
// task is still live.
func (t *Task) deliver(ev fsevent.Event) bool {
	t.gate.Lock()
	defer t.gate.Unlock()
	if t.stopped {
		return false
	}
	t.sink.Emit(t.key.Consumer, t.channel, ev)
	t.events.Add(1)
	t.metrics.FileEvents.Inc()
	return true
}

// Stop cancels the task and waits for the pump to exit and the source to
// release its resources. Stopping a finished task is a no-op.
func (t *Task) Stop() {
	t.gate.Lock()
	t.stopped = true
	t.gate.Unlock()

	t.cancel()
	<-t.done
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *Task) Key() Key { return t.key }

func (t *Task) Path() string { return t.path }

// Events returns the number of canonical events delivered so far.
func (t *Task) Events() uint64 {
	return t.events.Load()
}

// Info is a point-in-time description of a watch.
type Info struct {
	Consumer string    `json:"consumer_id"`
	WatchID  string    `json:"watch_id"`
	Path     string    `json:"path"`
	State    string    `json:"state"`
	Started  time.Time `json:"started"`
	Events   uint64    `json:"events"`
}

func (t *Task) Info() Info {
	return Info{
		Consumer: t.key.Consumer,
		WatchID:  t.key.WatchID,
		Path:     t.path,
		State:    t.State().String(),
		Started:  t.started,
		Events:   t.Events(),
	}
}
