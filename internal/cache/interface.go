// Package cache provides an in-memory graph of policy files and their
// include links with support for live update events and persistence.
package cache

import (
	"context"
	"errors"

	lsp "github.com/tliron/glsp/protocol_3_16"
)

// Path identifies a policy file: relative to the workspace root, or
// absolute for files outside of it.
type Path = string

// Note is a node in the cache graph. Placeholders stand for include
// targets that are not on disk.
type Note = struct {
	Path        Path
	Placeholder bool
}

// Link is an include of Target by Source.
// Ranges locate the include paths in the source document.
type Link struct {
	Source   Path        `json:"source"`
	Target   Path        `json:"target"`
	Ranges   []lsp.Range `json:"ranges"`
	Optional bool        `json:"optional,omitempty"` // include if exists
}

// Meta is what a policy file defines.
type Meta struct {
	Profiles  []string `json:"profiles,omitempty"`
	Variables []string `json:"variables,omitempty"`
}

type EventType int

const (
	CreateNote EventType = iota // A new Note was added.
	UpdateNote                  // An existing Note was modified.
	DeleteNote                  // A Note was removed entirely
	CreateLink                  // A new Link was added.
	DeleteLink                  // A Link was removed.
	Resync                      // Events were dropped; reload the whole graph.
)

func (t EventType) String() string {
	switch t {
	case CreateNote:
		return "createNote"
	case UpdateNote:
		return "updateNote"
	case DeleteNote:
		return "deleteNote"
	case CreateLink:
		return "createLink"
	case DeleteLink:
		return "deleteLink"
	case Resync:
		return "resync"
	}
	return "unknown"
}

// LinkEvent carries only topology (no Range) for event subscribers.
// Links are not deleted and created again if only their ranges change.
type LinkEvent struct {
	Source Path `json:"source"`
	Target Path `json:"target"`
}

type NoteEvent = Note

// Event describes a single change in the cache.
type Event struct {
	Type    EventType
	Note    *NoteEvent // Populated for note events.
	Link    *LinkEvent // Populated for link events.
	OldPath Path       // Set when an UpdateNote renames a placeholder.
}

// Predefined errors returned by cache operations.
var (
	ErrInvalidLink  = errors.New("cache: invalid link; source does not match")
	ErrNoteNotFound = errors.New("cache: note not found")
)

type Graph interface {
	// UpsertNote replaces the forward links of a note, creating it if needed.
	UpsertNote(note Path, forwardLinks []Link) error

	// DeleteNote deletes a note or marks it missing if it has backlinks.
	DeleteNote(path Path) error

	// GetPaths returns all note paths, placeholders included, sorted.
	GetPaths() []Path

	// GetForwardLinks returns outgoing links from the given note.
	GetForwardLinks(path Path) ([]Link, error)

	// GetBackLinks returns incoming links to the given note.
	GetBackLinks(path Path) ([]Link, error)

	IsPlaceholder(path Path) (bool, error)

	// Subscribe returns a channel of change events until ctx is canceled.
	// Callers must drain the channel. A reader that falls behind loses
	// events and then receives a Resync event.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Dropped returns the number of events subscribers missed.
	Dropped() uint64
}
