//go:build !linux && !windows

package keystroke

import "context"

// UnsupportedSource is returned on platforms without a global hook.
type UnsupportedSource struct {
	BaseSource
}

func newPlatformSource(Options) Source {
	return &UnsupportedSource{}
}

func (u *UnsupportedSource) Available() (bool, string) {
	return false, "global keyboard hook not supported on this platform"
}

func (u *UnsupportedSource) Start(context.Context) (<-chan KeyEvent, error) {
	return nil, ErrNotAvailable
}

func (u *UnsupportedSource) Stop() error {
	return nil
}
