package watcher

import (
	"context"
	"errors"
	"sync"

	"overfloatd/internal/fsevent"
)

// fakeSource hands out subscriptions the test can push raw events into.
type fakeSource struct {
	mu    sync.Mutex
	subs  []*fakeSub
	fail  map[string]bool
	style fsevent.Style
}

func newFakeSource() *fakeSource {
	return &fakeSource{fail: make(map[string]bool)}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Style() fsevent.Style { return s.style }

func (s *fakeSource) Watch(ctx context.Context, path string, recursive bool) (<-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[path] {
		return nil, errors.New("permission denied")
	}
	sub := &fakeSub{
		path:      path,
		recursive: recursive,
		ctx:       ctx,
		out:       make(chan Result),
		closed:    make(chan struct{}),
	}
	s.subs = append(s.subs, sub)
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.finish():
		}
		sub.close()
	}()
	return sub.out, nil
}

func (s *fakeSource) failOn(path string) {
	s.mu.Lock()
	s.fail[path] = true
	s.mu.Unlock()
}

// last returns the most recent subscription for path.
func (s *fakeSource) last(path string) *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.subs) - 1; i >= 0; i-- {
		if s.subs[i].path == path {
			return s.subs[i]
		}
	}
	return nil
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type fakeSub struct {
	path      string
	recursive bool
	ctx       context.Context
	out       chan Result

	mu       sync.Mutex
	isClosed bool
	closed   chan struct{}

	endOnce sync.Once
	end     chan struct{}
}

func (f *fakeSub) finish() chan struct{} {
	f.endOnce.Do(func() { f.end = make(chan struct{}) })
	return f.end
}

// endStream closes the stream as if the backend gave up.
func (f *fakeSub) endStream() {
	close(f.finish())
}

func (f *fakeSub) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isClosed {
		f.isClosed = true
		close(f.closed)
		close(f.out)
	}
}

// push delivers raw and reports whether the subscriber accepted it.
func (f *fakeSub) push(raw fsevent.RawEvent) bool {
	return f.pushResult(Result{Event: raw})
}

func (f *fakeSub) pushResult(r Result) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed {
		return false
	}
	select {
	case f.out <- r:
		return true
	case <-f.ctx.Done():
		return false
	}
}

func (f *fakeSub) isCancelled() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}
