package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"overfloatd/internal/fsevent"
	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
)

// Options configures a Registry.
type Options struct {
	Source Source
	// Normalizers builds the normalizer for each new watch. Nil selects the
	// variant matching Source.Style.
	Normalizers fsevent.Factory
	Ignore      *IgnoreMatcher
	Sink        notify.Sink
	Logger      *slog.Logger
	Metrics     *metrics.Overfloat
}

// Registry owns every running watch, keyed by consumer and watch id. At most
// one task runs per key; registering a key again replaces its task.
type Registry struct {
	source  Source
	norms   fsevent.Factory
	ignore  *IgnoreMatcher
	sink    notify.Sink
	log     *slog.Logger
	metrics *metrics.Overfloat

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[Key]*Task
	closed bool
}

// NewRegistry returns an empty registry. Options.Source is required.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewOverfloat(nil)
	}
	if opts.Normalizers == nil {
		opts.Normalizers = fsevent.NewFactory(opts.Source.Style(), fsevent.Options{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		source:  opts.Source,
		norms:   opts.Normalizers,
		ignore:  opts.Ignore,
		sink:    opts.Sink,
		log:     opts.Logger.With("component", "watcher"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[Key]*Task),
	}
}

// Register starts watching path for key, first stopping any watch already
// registered under key. Failures to subscribe are logged and counted but not
// returned: the watch simply never produces events.
func (r *Registry) Register(key Key, path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.log.Warn("register after close ignored", "key", key.String())
		return
	}

	if old, ok := r.tasks[key]; ok {
		delete(r.tasks, key)
		old.Stop()
		r.metrics.WatchesReplaced.Inc()
		r.log.Debug("replaced watch", "key", key.String(), "old_path", old.Path())
	}

	task, err := startTask(r.ctx, key, path, taskConfig{
		source:  r.source,
		norm:    r.norms(),
		ignore:  r.ignore,
		sink:    r.sink,
		log:     r.log,
		metrics: r.metrics,
		onExit:  r.taskExited,
	})
	if err != nil {
		r.metrics.WatchStartFailures.Inc()
		r.log.Warn("watch not started", "key", key.String(), "path", path, "error", err)
		return
	}
	r.tasks[key] = task
	r.log.Info("watch started", "key", key.String(), "path", path, "backend", r.source.Name())
}

// Unregister stops and removes the watch for key. It is a no-op if the key
// is absent or its task already finished.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[key]
	if !ok {
		return
	}
	delete(r.tasks, key)
	task.Stop()
	r.log.Info("watch stopped", "key", key.String())
}

// UnregisterConsumer stops every watch owned by consumer and returns how
// many were stopped.
func (r *Registry) UnregisterConsumer(consumer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, task := range r.tasks {
		if key.Consumer != consumer {
			continue
		}
		delete(r.tasks, key)
		task.Stop()
		n++
	}
	if n > 0 {
		r.log.Info("consumer watches stopped", "consumer", consumer, "count", n)
	}
	return n
}

// taskExited drops a task that finished on its own. A task that was stopped
// or replaced is no longer in the table under its key.
func (r *Registry) taskExited(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.key]; ok && cur == t {
		delete(r.tasks, t.key)
		r.log.Info("watch ended", "key", t.key.String())
	}
}

// Active reports whether a running task is registered under key.
func (r *Registry) Active(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return ok && t.State() == TaskRunning
}

// Lookup returns the task registered under key.
func (r *Registry) Lookup(key Key) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return t, ok
}

// Len returns the number of registered watches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Watches describes every registered watch, ordered by key.
func (r *Registry) Watches() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		infos = append(infos, t.Info())
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Consumer != infos[j].Consumer {
			return infos[i].Consumer < infos[j].Consumer
		}
		return infos[i].WatchID < infos[j].WatchID
	})
	return infos
}

// Close stops every watch. Later Register calls are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	for key, task := range r.tasks {
		delete(r.tasks, key)
		task.Stop()
	}
	r.cancel()
}
