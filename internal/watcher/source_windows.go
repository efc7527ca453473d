//go:build windows

package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"

	"overfloatd/internal/fsevent"
)

const rdcMask = windows.FILE_NOTIFY_CHANGE_FILE_NAME | windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES | windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE | windows.FILE_NOTIFY_CHANGE_CREATION

func newNativeSource(log *slog.Logger) Source {
	return NewReadDirChangesSource(log)
}

// ReadDirChangesSource watches paths with ReadDirectoryChangesW using
// overlapped I/O. Renames arrive split into an old-name and a new-name
// notification.
type ReadDirChangesSource struct {
	log *slog.Logger
}

func NewReadDirChangesSource(log *slog.Logger) *ReadDirChangesSource {
	if log == nil {
		log = slog.Default()
	}
	return &ReadDirChangesSource{log: log}
}

func (s *ReadDirChangesSource) Name() string { return "readdirchanges" }

func (s *ReadDirChangesSource) Style() fsevent.Style { return fsevent.Split }

func (s *ReadDirChangesSource) Watch(ctx context.Context, path string, recursive bool) (<-chan Result, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	dir, only := path, ""
	if !info.IsDir() {
		dir, only = filepath.Dir(path), path
		recursive = false
	}

	name, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(name,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}

	ioEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("create event: %w", err)
	}
	cancelEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(ioEvent)
		windows.CloseHandle(h)
		return nil, fmt.Errorf("create event: %w", err)
	}

	w := &rdcWatch{
		log:       s.log.With("path", path),
		dir:       dir,
		only:      only,
		recursive: recursive,
		handle:    h,
		ioEvent:   ioEvent,
		cancel:    cancelEvent,
		buf:       make([]byte, 64*1024),
	}

	out := make(chan Result, 1)
	stop := context.AfterFunc(ctx, func() { windows.SetEvent(cancelEvent) })
	go func() {
		w.run(ctx, out)
		stop()
		w.close()
	}()
	return out, nil
}

type rdcWatch struct {
	log       *slog.Logger
	dir       string
	only      string
	recursive bool

	handle  windows.Handle
	ioEvent windows.Handle
	cancel  windows.Handle
	ov      windows.Overlapped
	buf     []byte
}

func (w *rdcWatch) close() {
	windows.CloseHandle(w.handle)
	windows.CloseHandle(w.ioEvent)
	windows.CloseHandle(w.cancel)
}

func (w *rdcWatch) run(ctx context.Context, out chan<- Result) {
	defer close(out)

	for {
		w.ov = windows.Overlapped{HEvent: w.ioEvent}
		windows.ResetEvent(w.ioEvent)

		err := windows.ReadDirectoryChanges(w.handle, &w.buf[0], uint32(len(w.buf)),
			w.recursive, rdcMask, nil, &w.ov, 0)
		if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
			send(ctx, out, Result{Err: fmt.Errorf("ReadDirectoryChangesW: %w", err)})
			return
		}

		which, err := windows.WaitForMultipleObjects([]windows.Handle{w.ioEvent, w.cancel}, false, windows.INFINITE)
		if err != nil || which != windows.WAIT_OBJECT_0 {
			w.abort()
			return
		}

		var n uint32
		if err := windows.GetOverlappedResult(w.handle, &w.ov, &n, false); err != nil {
			if errors.Is(err, windows.ERROR_NOTIFY_ENUM_DIR) {
				if !send(ctx, out, Result{Err: ErrOverflow}) {
					return
				}
				continue
			}
			if !errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
				send(ctx, out, Result{Err: fmt.Errorf("GetOverlappedResult: %w", err)})
			}
			return
		}
		if n == 0 {
			if !send(ctx, out, Result{Err: ErrOverflow}) {
				return
			}
			continue
		}
		if !w.parse(ctx, out, w.buf[:n]) {
			return
		}
	}
}

// abort cancels the outstanding read and waits for the kernel to release the
// buffer before the handle is closed.
func (w *rdcWatch) abort() {
	windows.CancelIoEx(w.handle, &w.ov)
	var n uint32
	windows.GetOverlappedResult(w.handle, &w.ov, &n, true)
}

func (w *rdcWatch) parse(ctx context.Context, out chan<- Result, buf []byte) bool {
	offset := uint32(0)
	for {
		info := (*windows.FileNotifyInformation)(unsafe.Pointer(&buf[offset]))
		name := unsafe.Slice(&info.FileName, info.FileNameLength/2)
		path := filepath.Join(w.dir, windows.UTF16ToString(name))

		if w.only == "" || path == w.only {
			if raw, ok := translateAction(info.Action, path); ok {
				if !send(ctx, out, Result{Event: raw}) {
					return false
				}
			}
		}

		if info.NextEntryOffset == 0 {
			return true
		}
		offset += info.NextEntryOffset
		if int(offset) >= len(buf) {
			return true
		}
	}
}

func translateAction(action uint32, path string) (fsevent.RawEvent, bool) {
	switch action {
	case windows.FILE_ACTION_ADDED:
		return fsevent.CreateEvent(path), true
	case windows.FILE_ACTION_REMOVED:
		return fsevent.RemoveEvent(fsevent.RemoveAny, path), true
	case windows.FILE_ACTION_MODIFIED:
		return fsevent.ModifyEvent(fsevent.ModifyAny, path), true
	case windows.FILE_ACTION_RENAMED_OLD_NAME:
		return fsevent.RenameEvent(fsevent.RenameFrom, path), true
	case windows.FILE_ACTION_RENAMED_NEW_NAME:
		return fsevent.RenameEvent(fsevent.RenameTo, path), true
	}
	return fsevent.RawEvent{}, false
}
