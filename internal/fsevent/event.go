// Package fsevent defines the canonical file event vocabulary delivered to
// consumers and the normalizers that reduce backend-specific notifications
// into it.
package fsevent

import (
	"fmt"
	"time"
)

// Kind is the canonical change kind. The numeric values are part of the wire
// format.
type Kind uint8

const (
	Created  Kind = 0
	Removed  Kind = 1
	Modified Kind = 2
	Renamed  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four canonical kinds.
func (k Kind) Valid() bool {
	return k <= Renamed
}

// Event is a normalized, backend-agnostic filesystem change.
// PathOld equals Path for every kind except Renamed.
type Event struct {
	Kind      Kind   `json:"kind"`
	IsDir     bool   `json:"is_dir"`
	Path      string `json:"path"`
	PathOld   string `json:"path_old"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func (e Event) String() string {
	if e.Kind == Renamed {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.PathOld, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// nowMillis is replaced in tests.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
