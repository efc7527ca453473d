package watcher

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overfloatd/internal/fsevent"
	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func abs(t *testing.T, p string) string {
	t.Helper()
	a, err := filepath.Abs(p)
	require.NoError(t, err)
	return a
}

type registryFixture struct {
	src     *fakeSource
	sink    *notify.Recorder
	metrics *metrics.Overfloat
	reg     *Registry
}

func newRegistryFixture(t *testing.T, ignore ...string) *registryFixture {
	t.Helper()
	m, err := NewIgnoreMatcher(ignore)
	require.NoError(t, err)

	f := &registryFixture{
		src:     newFakeSource(),
		sink:    notify.NewRecorder(),
		metrics: metrics.NewOverfloat(nil),
	}
	f.reg = NewRegistry(Options{
		Source:      f.src,
		Normalizers: fsevent.NewFactory(fsevent.Paired, fsevent.Options{Stat: func(string) (bool, error) { return false, nil }}),
		Ignore:      m,
		Sink:        f.sink,
		Logger:      testLogger(),
		Metrics:     f.metrics,
	})
	t.Cleanup(f.reg.Close)
	return f
}

func waitEvent(t *testing.T, sink *notify.Recorder, consumer, path string) fsevent.Event {
	t.Helper()
	msg, ok := sink.WaitFor(2*time.Second, func(m notify.Message) bool {
		ev, ok := m.Payload.(fsevent.Event)
		return ok && m.Consumer == consumer && ev.Path == path
	})
	require.True(t, ok, "no event for %s at %s", consumer, path)
	return msg.Payload.(fsevent.Event)
}

func TestRegistryDeliversToConsumer(t *testing.T) {
	f := newRegistryFixture(t)
	key := Key{Consumer: "A", WatchID: "w1"}
	root := abs(t, "/tmp/x")

	f.reg.Register(key, root)
	require.True(t, f.reg.Active(key))

	sub := f.src.last(root)
	require.NotNil(t, sub)
	assert.True(t, sub.recursive)
	require.True(t, sub.push(fsevent.CreateEvent(root+"/f.txt")))

	ev := waitEvent(t, f.sink, "A", root+"/f.txt")
	assert.Equal(t, fsevent.Created, ev.Kind)
	assert.False(t, ev.IsDir)

	msgs := f.sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Overfloat://FSEvent/w1", msgs[0].Channel)
}

func TestRegistryReplaceCancelsPrevious(t *testing.T) {
	f := newRegistryFixture(t)
	key := Key{Consumer: "A", WatchID: "w1"}
	p1, p2 := abs(t, "/tmp/p1"), abs(t, "/tmp/p2")

	f.reg.Register(key, p1)
	first := f.src.last(p1)
	f.reg.Register(key, p2)
	second := f.src.last(p2)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.True(t, first.isCancelled(), "old subscription must be released")
	assert.False(t, second.isCancelled())
	assert.Equal(t, 1, f.reg.Len())

	task, ok := f.reg.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, p2, task.Path())

	assert.False(t, first.push(fsevent.CreateEvent(p1+"/a")))
	require.True(t, second.push(fsevent.CreateEvent(p2+"/b")))
	waitEvent(t, f.sink, "A", p2+"/b")
	for _, m := range f.sink.Messages() {
		assert.NotEqual(t, p1+"/a", m.Payload.(fsevent.Event).Path)
	}
	assert.Equal(t, uint64(1), f.metrics.WatchesReplaced.Value())
	assert.Equal(t, int64(1), f.metrics.WatchesActive.Value())
}

func TestRegistryUnregister(t *testing.T) {
	f := newRegistryFixture(t)
	a := Key{Consumer: "A", WatchID: "w1"}
	b := Key{Consumer: "B", WatchID: "w1"}
	root := abs(t, "/tmp/x")

	f.reg.Register(a, root)
	f.reg.Register(b, root)
	require.Equal(t, 2, f.reg.Len())

	f.reg.Unregister(Key{Consumer: "C", WatchID: "nope"})
	assert.Equal(t, 2, f.reg.Len())

	subA := f.src.subs[0]
	f.reg.Unregister(a)
	assert.True(t, subA.isCancelled())
	assert.False(t, f.reg.Active(a))
	assert.True(t, f.reg.Active(b))

	// Second unregister is a no-op.
	f.reg.Unregister(a)
	assert.Equal(t, 1, f.reg.Len())
}

func TestRegistryNoEventsAfterUnregister(t *testing.T) {
	f := newRegistryFixture(t)
	key := Key{Consumer: "A", WatchID: "w1"}
	root := abs(t, "/tmp/x")

	f.reg.Register(key, root)
	sub := f.src.last(root)
	require.True(t, sub.push(fsevent.CreateEvent(root+"/one")))
	waitEvent(t, f.sink, "A", root+"/one")

	f.reg.Unregister(key)
	sub.push(fsevent.CreateEvent(root + "/two"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.sink.Len())
}

func TestRegistryUnregisterFinishedTask(t *testing.T) {
	f := newRegistryFixture(t)
	key := Key{Consumer: "A", WatchID: "w1"}
	root := abs(t, "/tmp/x")

	f.reg.Register(key, root)
	task, ok := f.reg.Lookup(key)
	require.True(t, ok)

	f.src.last(root).endStream()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	assert.Equal(t, TaskCancelled, task.State())

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, f.reg.Active(key))

	f.reg.Unregister(key)
	task.Stop()
}

func TestRegistryStartFailureIsSilent(t *testing.T) {
	f := newRegistryFixture(t)
	key := Key{Consumer: "A", WatchID: "w1"}
	bad := abs(t, "/root/forbidden")
	f.src.failOn(bad)

	f.reg.Register(key, bad)
	assert.False(t, f.reg.Active(key))
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, uint64(1), f.metrics.WatchStartFailures.Value())

	// A failed replacement still removes the previous watch.
	good := abs(t, "/tmp/good")
	f.reg.Register(key, good)
	require.True(t, f.reg.Active(key))
	f.reg.Register(key, bad)
	assert.False(t, f.reg.Active(key))
	assert.True(t, f.src.last(good).isCancelled())
}

func TestRegistrySourceErrorsAreSkipped(t *testing.T) {
	f := newRegistryFixture(t)
	key := Key{Consumer: "A", WatchID: "w1"}
	root := abs(t, "/tmp/x")

	f.reg.Register(key, root)
	sub := f.src.last(root)
	require.True(t, sub.pushResult(Result{Err: ErrOverflow}))
	require.True(t, sub.push(fsevent.ModifyEvent(fsevent.ModifyData, root+"/f")))

	ev := waitEvent(t, f.sink, "A", root+"/f")
	assert.Equal(t, fsevent.Modified, ev.Kind)
	assert.Equal(t, uint64(1), f.metrics.SourceErrors.Value())
	assert.True(t, f.reg.Active(key))
}

func TestRegistryIgnorePatterns(t *testing.T) {
	f := newRegistryFixture(t, "*.swp", ".git")
	key := Key{Consumer: "A", WatchID: "w1"}
	root := abs(t, "/tmp/x")

	f.reg.Register(key, root)
	sub := f.src.last(root)
	require.True(t, sub.push(fsevent.CreateEvent(root+"/.f.txt.swp")))
	require.True(t, sub.push(fsevent.CreateEvent(root+"/.git/index")))
	require.True(t, sub.push(fsevent.CreateEvent(root+"/f.txt")))

	waitEvent(t, f.sink, "A", root+"/f.txt")
	assert.Equal(t, 1, f.sink.Len())
	assert.Equal(t, uint64(2), f.metrics.FileEventsIgnored.Value())
}

func TestRegistryUnregisterConsumer(t *testing.T) {
	f := newRegistryFixture(t)
	root := abs(t, "/tmp/x")
	f.reg.Register(Key{"A", "w1"}, root)
	f.reg.Register(Key{"A", "w2"}, root)
	f.reg.Register(Key{"B", "w1"}, root)

	assert.Equal(t, 2, f.reg.UnregisterConsumer("A"))
	assert.Equal(t, 0, f.reg.UnregisterConsumer("A"))

	infos := f.reg.Watches()
	require.Len(t, infos, 1)
	assert.Equal(t, "B", infos[0].Consumer)
	assert.Equal(t, "running", infos[0].State)
}

func TestRegistryCloseStopsEverything(t *testing.T) {
	f := newRegistryFixture(t)
	root := abs(t, "/tmp/x")
	f.reg.Register(Key{"A", "w1"}, root)
	f.reg.Register(Key{"B", "w2"}, root)

	f.reg.Close()
	assert.Equal(t, 0, f.reg.Len())
	for _, s := range f.src.subs {
		assert.True(t, s.isCancelled())
	}

	f.reg.Register(Key{"A", "w3"}, root)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, int64(0), f.metrics.WatchesActive.Value())
}

func TestRegistryConcurrentRegister(t *testing.T) {
	f := newRegistryFixture(t)
	root := abs(t, "/tmp/x")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				key := Key{Consumer: "A", WatchID: fmt.Sprintf("w%d", j%3)}
				if (i+j)%4 == 0 {
					f.reg.Unregister(key)
				} else {
					f.reg.Register(key, root)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, f.reg.Len(), 3)
	running := 0
	for _, s := range f.src.subs {
		if !s.isCancelled() {
			running++
		}
	}
	assert.Equal(t, f.reg.Len(), running, "one live subscription per registered key")
}
