//go:build linux

package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"overfloatd/internal/fsevent"
)

const (
	inotifyMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY | unix.IN_CLOSE_WRITE |
		unix.IN_ATTRIB | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

	// pairTimeoutMs bounds how long a lone IN_MOVED_FROM waits for its
	// IN_MOVED_TO before it is reported unpaired.
	pairTimeoutMs = 10
)

func newNativeSource(log *slog.Logger) Source {
	return NewInotifySource(log)
}

// InotifySource watches paths with Linux inotify. Each Watch call owns its
// own inotify instance so cancelling one watch never disturbs another.
type InotifySource struct {
	log *slog.Logger
}

func NewInotifySource(log *slog.Logger) *InotifySource {
	if log == nil {
		log = slog.Default()
	}
	return &InotifySource{log: log}
}

func (s *InotifySource) Name() string { return "inotify" }

func (s *InotifySource) Style() fsevent.Style { return fsevent.Paired }

func (s *InotifySource) Watch(ctx context.Context, path string, recursive bool) (<-chan Result, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	w, err := newInotifyWatch(s.log.With("path", path), path, info.IsDir(), recursive)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		err = w.addTree(path)
	} else {
		err = w.addWatch(path)
	}
	if err != nil {
		w.close()
		return nil, err
	}

	out := make(chan Result, 1)
	stop := context.AfterFunc(ctx, w.wake)
	go func() {
		defer stop()
		w.run(ctx, out)
	}()
	return out, nil
}

type inotifyWatch struct {
	log       *slog.Logger
	root      string
	rootIsDir bool
	recursive bool

	fd   int
	pipe [2]int

	mu      sync.Mutex
	watches map[string]int
	wdPaths map[int]string

	fdMu   sync.Mutex
	closed bool

	// Unpaired IN_MOVED_FROM awaiting its IN_MOVED_TO.
	pendingCookie uint32
	pendingPath   string
	pendingDir    bool
	pending       bool
}

func newInotifyWatch(log *slog.Logger, root string, isDir, recursive bool) (*inotifyWatch, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	w := &inotifyWatch{
		log:       log,
		root:      root,
		rootIsDir: isDir,
		recursive: recursive,
		fd:        fd,
		watches:   make(map[string]int),
		wdPaths:   make(map[int]string),
	}
	if err := unix.Pipe2(w.pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	return w, nil
}

func (w *inotifyWatch) addTree(dir string) error {
	if !w.recursive {
		return w.addWatch(dir)
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			w.log.Warn("failed to access path", "entry", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.addWatch(p); err != nil {
			if p == dir {
				return err
			}
			w.log.Warn("failed to add watch", "entry", p, "error", err)
		}
		return nil
	})
}

func (w *inotifyWatch) addWatch(path string) error {
	wd, err := unix.InotifyAddWatch(w.fd, path, inotifyMask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	w.mu.Lock()
	w.watches[path] = wd
	w.wdPaths[wd] = path
	w.mu.Unlock()
	return nil
}

func (w *inotifyWatch) dropWatch(wd int) {
	w.mu.Lock()
	if path, ok := w.wdPaths[wd]; ok {
		delete(w.watches, path)
		delete(w.wdPaths, wd)
	}
	w.mu.Unlock()
}

// movePaths rewrites the recorded paths of every watch below oldDir after a
// directory was renamed inside the tree. The kernel keeps the descriptors.
func (w *inotifyWatch) movePaths(oldDir, newDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prefix := oldDir + string(filepath.Separator)
	for path, wd := range w.watches {
		if path != oldDir && !strings.HasPrefix(path, prefix) {
			continue
		}
		moved := newDir + strings.TrimPrefix(path, oldDir)
		delete(w.watches, path)
		w.watches[moved] = wd
		w.wdPaths[wd] = moved
	}
}

func (w *inotifyWatch) wake() {
	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	if !w.closed {
		unix.Write(w.pipe[1], []byte{0})
	}
}

func (w *inotifyWatch) close() {
	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	unix.Close(w.fd)
	unix.Close(w.pipe[0])
	unix.Close(w.pipe[1])
}

func (w *inotifyWatch) run(ctx context.Context, out chan<- Result) {
	defer close(out)
	defer w.close()

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	fds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.pipe[0]), Events: unix.POLLIN},
	}

	for {
		timeout := -1
		if w.pending {
			timeout = pairTimeoutMs
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			send(ctx, out, Result{Err: fmt.Errorf("poll inotify: %w", err)})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if n == 0 {
			if !w.flushPending(ctx, out) {
				return
			}
			continue
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nr, err := unix.Read(w.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			send(ctx, out, Result{Err: fmt.Errorf("read inotify: %w", err)})
			return
		}
		if !w.parse(ctx, out, buf[:nr]) {
			return
		}
	}
}

// parse converts a buffer of inotify records and reports whether the stream
// should continue.
func (w *inotifyWatch) parse(ctx context.Context, out chan<- Result, buf []byte) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		offset = nameStart + int(ev.Len)
		if offset > len(buf) {
			return true
		}

		if ev.Mask&unix.IN_Q_OVERFLOW != 0 {
			if !send(ctx, out, Result{Err: ErrOverflow}) {
				return false
			}
			continue
		}

		w.mu.Lock()
		dir, ok := w.wdPaths[int(ev.Wd)]
		w.mu.Unlock()
		if !ok {
			continue
		}

		path := dir
		if ev.Len > 0 {
			name := buf[nameStart:offset]
			path = filepath.Join(dir, string(name[:clen(name)]))
		}

		if !w.handle(ctx, out, ev, path) {
			return false
		}
	}
	return true
}

func (w *inotifyWatch) handle(ctx context.Context, out chan<- Result, ev *unix.InotifyEvent, path string) bool {
	mask := ev.Mask
	isDir := mask&unix.IN_ISDIR != 0

	// Any record other than the matching IN_MOVED_TO ends a pending move.
	if w.pending && !(mask&unix.IN_MOVED_TO != 0 && ev.Cookie == w.pendingCookie) {
		if !w.flushPending(ctx, out) {
			return false
		}
	}

	var events []fsevent.RawEvent
	switch {
	case mask&unix.IN_CREATE != 0:
		if isDir && w.recursive {
			if err := w.addTree(path); err != nil {
				w.log.Warn("failed to watch new directory", "entry", path, "error", err)
			}
		}
		events = append(events, fsevent.CreateEvent(path))

	case mask&unix.IN_DELETE != 0:
		kind := fsevent.RemoveFile
		if isDir {
			kind = fsevent.RemoveFolder
		}
		events = append(events, fsevent.RemoveEvent(kind, path))

	case mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0:
		events = append(events, fsevent.ModifyEvent(fsevent.ModifyData, path))

	case mask&unix.IN_ATTRIB != 0:
		events = append(events, fsevent.ModifyEvent(fsevent.ModifyMetadata, path))

	case mask&unix.IN_MOVED_FROM != 0:
		w.pending = true
		w.pendingCookie = ev.Cookie
		w.pendingPath = path
		w.pendingDir = isDir
		return true

	case mask&unix.IN_MOVED_TO != 0:
		if w.pending && ev.Cookie == w.pendingCookie {
			from := w.pendingPath
			w.pending = false
			if isDir {
				w.movePaths(from, path)
			}
			events = append(events, fsevent.RenameEvent(fsevent.RenameBoth, from, path))
		} else {
			if isDir && w.recursive {
				if err := w.addTree(path); err != nil {
					w.log.Warn("failed to watch moved directory", "entry", path, "error", err)
				}
			}
			events = append(events, fsevent.RenameEvent(fsevent.RenameTo, path))
		}

	case mask&unix.IN_DELETE_SELF != 0:
		w.dropWatch(int(ev.Wd))
		if path == w.root {
			kind := fsevent.RemoveFile
			if w.rootIsDir {
				kind = fsevent.RemoveFolder
			}
			send(ctx, out, Result{Event: fsevent.RemoveEvent(kind, path)})
			return false
		}

	case mask&unix.IN_MOVE_SELF != 0:
		if path == w.root {
			w.log.Debug("watched path moved away")
			return false
		}

	case mask&unix.IN_IGNORED != 0:
		w.dropWatch(int(ev.Wd))
	}

	for _, raw := range events {
		if !send(ctx, out, Result{Event: raw}) {
			return false
		}
	}
	return true
}

// flushPending reports a move whose destination never arrived, which means
// the entry left the watched tree.
func (w *inotifyWatch) flushPending(ctx context.Context, out chan<- Result) bool {
	if !w.pending {
		return true
	}
	w.pending = false
	if w.pendingDir {
		w.mu.Lock()
		var drop []int
		prefix := w.pendingPath + string(filepath.Separator)
		for p, wd := range w.watches {
			if p == w.pendingPath || strings.HasPrefix(p, prefix) {
				drop = append(drop, wd)
			}
		}
		w.mu.Unlock()
		for _, wd := range drop {
			unix.InotifyRmWatch(w.fd, uint32(wd))
			w.dropWatch(wd)
		}
	}
	return send(ctx, out, Result{Event: fsevent.RenameEvent(fsevent.RenameFrom, w.pendingPath)})
}

// clen returns the length of a NUL-terminated byte slice.
func clen(n []byte) int {
	for i := 0; i < len(n); i++ {
		if n[i] == 0 {
			return i
		}
	}
	return len(n)
}
