package fsevent

import (
	"os"
	"sync"
)

// Normalizer reduces one raw backend event to at most one canonical event.
// Unrecognized events are dropped by returning false.
type Normalizer interface {
	Normalize(raw RawEvent) (Event, bool)
}

// StatFunc reports whether path is a directory.
type StatFunc func(path string) (isDir bool, err error)

// OSStat looks the path up on the local filesystem.
func OSStat(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Style identifies the event shape a backend produces.
type Style uint8

const (
	// Paired backends report a rename as one event carrying both paths.
	Paired Style = iota
	// Split backends report a rename as a from event followed by a to event.
	Split
)

func (s Style) String() string {
	if s == Split {
		return "split"
	}
	return "paired"
}

// Options configures normalizer construction.
type Options struct {
	// Stat defaults to OSStat.
	Stat StatFunc
	// SharedRenameState makes every split normalizer produced by a Factory
	// pair renames through one process-wide slot instead of one per watch.
	SharedRenameState bool
}

// Factory produces the normalizer for a new watch.
type Factory func() Normalizer

// NewFactory returns a Factory for the given style. It is resolved once at
// startup; watch tasks only ever call the returned function.
func NewFactory(style Style, opts Options) Factory {
	stat := opts.Stat
	if stat == nil {
		stat = OSStat
	}
	if style == Paired {
		n := &PairedNormalizer{Stat: stat}
		return func() Normalizer { return n }
	}
	if opts.SharedRenameState {
		n := NewSplitNormalizer(stat, nil)
		return func() Normalizer { return n }
	}
	return func() Normalizer {
		return NewSplitNormalizer(stat, nil)
	}
}

func isDir(stat StatFunc, path string) bool {
	if stat == nil {
		stat = OSStat
	}
	dir, err := stat(path)
	if err != nil {
		return false
	}
	return dir
}

// PairedNormalizer handles inotify-shaped events where a rename is already
// combined into one event with the old path first and the new path second.
// It is stateless and safe for concurrent use.
type PairedNormalizer struct {
	Stat StatFunc
}

func (n *PairedNormalizer) Normalize(raw RawEvent) (Event, bool) {
	if len(raw.Paths) == 0 {
		return Event{}, false
	}
	path := raw.Paths[0]

	switch raw.Kind {
	case RawCreate:
		return newEvent(Created, isDir(n.Stat, path), path, path), true

	case RawRemove:
		switch raw.Remove {
		case RemoveFile:
			return newEvent(Removed, false, path, path), true
		case RemoveFolder:
			return newEvent(Removed, true, path, path), true
		}

	case RawModify:
		switch {
		case raw.Modify == ModifyData:
			return newEvent(Modified, isDir(n.Stat, path), path, path), true
		case raw.Modify == ModifyName && raw.Rename == RenameBoth:
			oldPath := path
			if len(raw.Paths) > 1 {
				path = raw.Paths[1]
			}
			return newEvent(Renamed, isDir(n.Stat, path), path, oldPath), true
		}
	}
	return Event{}, false
}

// RenameState holds the most recent rename-from path seen by a split
// normalizer.
type RenameState struct {
	mu      sync.Mutex
	pending string
	set     bool
}

// Record stores path as the pending rename source.
func (s *RenameState) Record(path string) {
	s.mu.Lock()
	s.pending = path
	s.set = true
	s.mu.Unlock()
}

// Pending returns the last recorded rename source. The slot is not cleared.
func (s *RenameState) Pending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.set
}

// SplitNormalizer handles ReadDirectoryChangesW-shaped events where a rename
// arrives as separate from and to notifications. State must be non-nil; use
// NewSplitNormalizer.
type SplitNormalizer struct {
	Stat  StatFunc
	State *RenameState
}

func (n *SplitNormalizer) Normalize(raw RawEvent) (Event, bool) {
	if len(raw.Paths) == 0 {
		return Event{}, false
	}
	path := raw.Paths[0]

	switch raw.Kind {
	case RawCreate:
		return newEvent(Created, isDir(n.Stat, path), path, path), true

	case RawRemove:
		return newEvent(Removed, false, path, path), true

	case RawModify:
		switch raw.Modify {
		case ModifyAny:
			return newEvent(Modified, isDir(n.Stat, path), path, path), true
		case ModifyName:
			switch raw.Rename {
			case RenameFrom:
				n.state().Record(path)
			case RenameTo:
				oldPath, ok := n.state().Pending()
				if !ok {
					oldPath = path
				}
				return newEvent(Renamed, isDir(n.Stat, path), path, oldPath), true
			}
		}
	}
	return Event{}, false
}

// NewSplitNormalizer returns a split normalizer pairing renames through
// state. A nil state gets a fresh slot.
func NewSplitNormalizer(stat StatFunc, state *RenameState) *SplitNormalizer {
	if state == nil {
		state = &RenameState{}
	}
	return &SplitNormalizer{Stat: stat, State: state}
}

func (n *SplitNormalizer) state() *RenameState {
	return n.State
}

func newEvent(kind Kind, dir bool, path, oldPath string) Event {
	return Event{
		Kind:      kind,
		IsDir:     dir,
		Path:      path,
		PathOld:   oldPath,
		Timestamp: nowMillis(),
	}
}
