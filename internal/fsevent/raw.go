package fsevent

import "strings"

// RawKind is the top-level kind reported by a notification backend.
type RawKind uint8

const (
	RawAny RawKind = iota
	RawAccess
	RawCreate
	RawModify
	RawRemove
	RawOther
)

// CreateKind refines RawCreate.
type CreateKind uint8

const (
	CreateAny CreateKind = iota
	CreateFile
	CreateFolder
	CreateOther
)

// ModifyKind refines RawModify.
type ModifyKind uint8

const (
	ModifyAny ModifyKind = iota
	ModifyData
	ModifyMetadata
	ModifyName
	ModifyOther
)

// RenameMode refines ModifyName.
type RenameMode uint8

const (
	RenameAny RenameMode = iota
	RenameTo
	RenameFrom
	RenameBoth
	RenameOther
)

// RemoveKind refines RawRemove.
type RemoveKind uint8

const (
	RemoveAny RemoveKind = iota
	RemoveFile
	RemoveFolder
	RemoveOther
)

// RawEvent is a backend notification before normalization. Only the
// sub-kind matching Kind is meaningful. A paired rename carries the old path
// first and the new path second.
type RawEvent struct {
	Kind   RawKind
	Create CreateKind
	Modify ModifyKind
	Rename RenameMode
	Remove RemoveKind
	Paths  []string
}

// Path returns the first path of the event, or "" if it has none.
func (r RawEvent) Path() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

func (r RawEvent) String() string {
	var kind string
	switch r.Kind {
	case RawAccess:
		kind = "access"
	case RawCreate:
		kind = "create"
	case RawModify:
		switch r.Modify {
		case ModifyData:
			kind = "modify(data)"
		case ModifyMetadata:
			kind = "modify(metadata)"
		case ModifyName:
			switch r.Rename {
			case RenameFrom:
				kind = "modify(name:from)"
			case RenameTo:
				kind = "modify(name:to)"
			case RenameBoth:
				kind = "modify(name:both)"
			default:
				kind = "modify(name)"
			}
		default:
			kind = "modify"
		}
	case RawRemove:
		switch r.Remove {
		case RemoveFile:
			kind = "remove(file)"
		case RemoveFolder:
			kind = "remove(folder)"
		default:
			kind = "remove"
		}
	case RawOther:
		kind = "other"
	default:
		kind = "any"
	}
	return kind + " " + strings.Join(r.Paths, ", ")
}

// Constructors used by backends and tests.

func CreateEvent(path string) RawEvent {
	return RawEvent{Kind: RawCreate, Paths: []string{path}}
}

func RemoveEvent(kind RemoveKind, path string) RawEvent {
	return RawEvent{Kind: RawRemove, Remove: kind, Paths: []string{path}}
}

func ModifyEvent(kind ModifyKind, path string) RawEvent {
	return RawEvent{Kind: RawModify, Modify: kind, Paths: []string{path}}
}

func RenameEvent(mode RenameMode, paths ...string) RawEvent {
	return RawEvent{Kind: RawModify, Modify: ModifyName, Rename: mode, Paths: paths}
}
