//go:build !linux && !windows

package watcher

import "log/slog"

func newNativeSource(log *slog.Logger) Source {
	return NewFsnotifySource(log)
}
