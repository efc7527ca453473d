package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"overfloatd/internal/fsevent"
)

// FsnotifySource is the portable backend built on fsnotify. It is the native
// backend on platforms without a dedicated implementation.
//
// fsnotify does not pair renames: the old name arrives as a Rename and the new
// name as a Create. The source is paired-style, so the old name is reported
// as a Remove and the new one as a Create.
type FsnotifySource struct {
	log *slog.Logger
}

func NewFsnotifySource(log *slog.Logger) *FsnotifySource {
	if log == nil {
		log = slog.Default()
	}
	return &FsnotifySource{log: log}
}

func (s *FsnotifySource) Name() string { return BackendFsnotify }

func (s *FsnotifySource) Style() fsevent.Style { return fsevent.Paired }

func (s *FsnotifySource) Watch(ctx context.Context, path string, recursive bool) (<-chan Result, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &fsnotifyWatch{
		log:       s.log.With("path", path),
		fw:        fw,
		recursive: recursive,
		dirs:      make(map[string]bool),
	}

	if info.IsDir() {
		err = w.addTree(path)
	} else {
		err = fw.Add(path)
	}
	if err != nil {
		fw.Close()
		return nil, err
	}

	out := make(chan Result, 1)
	go w.run(ctx, out)
	return out, nil
}

type fsnotifyWatch struct {
	log       *slog.Logger
	fw        *fsnotify.Watcher
	recursive bool

	mu   sync.Mutex
	dirs map[string]bool
}

// addTree watches dir and, when recursive, every directory below it.
func (w *fsnotifyWatch) addTree(dir string) error {
	if !w.recursive {
		return w.addDir(dir)
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
		if err := w.addDir(p); err != nil {
			if p == dir {
				return err
			}
			w.log.Warn("failed to add watch", "entry", p, "error", err)
		}
		return nil
	})
}

func (w *fsnotifyWatch) addDir(dir string) error {
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[dir] = true
	w.mu.Unlock()
	return nil
}

// forget drops path from the directory set and reports whether it was a
// watched directory.
func (w *fsnotifyWatch) forget(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[path] {
		return false
	}
	delete(w.dirs, path)
	return true
}

func (w *fsnotifyWatch) run(ctx context.Context, out chan<- Result) {
	defer close(out)
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			for _, raw := range w.translate(ev) {
				if !send(ctx, out, Result{Event: raw}) {
					return
				}
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if err == fsnotify.ErrEventOverflow {
				err = ErrOverflow
			}
			if !send(ctx, out, Result{Err: err}) {
				return
			}
		}
	}
}

func (w *fsnotifyWatch) translate(ev fsnotify.Event) []fsevent.RawEvent {
	var out []fsevent.RawEvent
	path := ev.Name

	if ev.Has(fsnotify.Create) {
		if w.recursive {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				if err := w.addTree(path); err != nil {
					w.log.Warn("failed to watch new directory", "entry", path, "error", err)
				}
			}
		}
		out = append(out, fsevent.CreateEvent(path))
	}
	if ev.Has(fsnotify.Write) {
		out = append(out, fsevent.ModifyEvent(fsevent.ModifyData, path))
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		kind := fsevent.RemoveFile
		if w.forget(path) {
			kind = fsevent.RemoveFolder
		}
		out = append(out, fsevent.RemoveEvent(kind, path))
	}
	if ev.Has(fsnotify.Chmod) {
		out = append(out, fsevent.ModifyEvent(fsevent.ModifyMetadata, path))
	}
	return out
}
