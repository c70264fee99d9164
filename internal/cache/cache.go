package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

type Cache interface {
	SaveNote(path Path, forwardLinks []Link, meta Meta, saveTime time.Time) error
	EditNote(path Path, forwardLinks []Link, meta Meta) error
	DiscardNote(path Path) error
	DeleteNote(path Path) error
	GetPaths() []Path
	GetSaveTime(path Path) time.Time
	NoteExists(path Path) bool
	GetForwardLinks(path Path) ([]Link, error)
	GetBackLinks(path Path) ([]Link, error)
	GetMeta(path Path) (Meta, error)
	FindProfile(name string) []Path
	VisibleVariables(path Path) []string
	Subscribe(ctx context.Context) (<-chan Event, error)
	Dump() []byte
}

type cache struct {
	mu          sync.RWMutex
	graph       Graph              `json:"-"`
	SavedNotes  map[Path][]Link    `json:"saved_notes"`
	SaveTimes   map[Path]time.Time `json:"save_times"`
	SavedMeta   map[Path]Meta      `json:"metadata"`
	CurrentMeta map[Path]Meta      `json:"-"`
}

func NewCache() Cache {
	return &cache{
		graph:       NewGraph(),
		SavedNotes:  make(map[Path][]Link),
		SaveTimes:   make(map[Path]time.Time),
		SavedMeta:   make(map[Path]Meta),
		CurrentMeta: make(map[Path]Meta),
	}
}

// RestoreCache takes a JSON dump (produced by Dump) and rebuilds both the maps and the graph by replaying SaveNote.
func RestoreCache(dump []byte) (Cache, error) {
	c := cache{}
	if err := json.Unmarshal(dump, &c); err != nil {
		return nil, err
	}

	// ensure maps are non-nil
	if c.SavedNotes == nil {
		c.SavedNotes = make(map[Path][]Link)
	}
	if c.SaveTimes == nil {
		c.SaveTimes = make(map[Path]time.Time)
	}
	if c.SavedMeta == nil {
		c.SavedMeta = make(map[Path]Meta)
	}
	c.CurrentMeta = make(map[Path]Meta, len(c.SavedMeta))
	for path, m := range c.SavedMeta {
		c.CurrentMeta[path] = copyMeta(m)
	}

	c.graph = NewGraph()
	for path, links := range c.SavedNotes {
		if _, ok := c.SaveTimes[path]; !ok {
			return nil, errors.New("missing save-time for " + string(path))
		}
		if err := c.graph.UpsertNote(path, links); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

// SaveNote commits a note's links, save time and metadata.
func (c *cache) SaveNote(
	path Path,
	forwardLinks []Link,
	meta Meta,
	saveTime time.Time,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.UpsertNote(path, forwardLinks); err != nil {
		return err
	}
	c.SavedNotes[path] = forwardLinks
	c.SaveTimes[path] = saveTime
	c.SavedMeta[path] = copyMeta(meta)
	c.CurrentMeta[path] = copyMeta(meta)
	return nil
}

// EditNote updates a note's links and staging metadata without changing
// the save time or saved state.
func (c *cache) EditNote(path Path, forwardLinks []Link, meta Meta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.graph.UpsertNote(path, forwardLinks); err != nil {
		return err
	}
	c.CurrentMeta[path] = copyMeta(meta)
	return nil
}

func (c *cache) DeleteNote(path Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.DeleteNote(path); err != nil {
		return err
	}
	delete(c.SavedNotes, path)
	delete(c.SaveTimes, path)
	delete(c.SavedMeta, path)
	delete(c.CurrentMeta, path)
	return nil
}

// DiscardNote reverts links and metadata to the last saved state.
func (c *cache) DiscardNote(path Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if links, ok := c.SavedNotes[path]; ok {
		if err := c.graph.UpsertNote(path, links); err != nil {
			return err
		}
		if saved, ok := c.SavedMeta[path]; ok {
			c.CurrentMeta[path] = copyMeta(saved)
		} else {
			delete(c.CurrentMeta, path)
		}
		return nil
	}
	// no saved version: delete entirely
	if err := c.graph.DeleteNote(path); err != nil {
		return err
	}
	delete(c.CurrentMeta, path)
	return nil
}

func (c *cache) GetPaths() []Path {
	return c.graph.GetPaths()
}

func (c *cache) NoteExists(path Path) bool {
	placeholder, err := c.graph.IsPlaceholder(path)
	if err != nil {
		return false
	}
	return !placeholder
}

func (c *cache) GetSaveTime(path Path) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SaveTimes[path]
}

func (c *cache) GetForwardLinks(path Path) ([]Link, error) {
	return c.graph.GetForwardLinks(path)
}

func (c *cache) GetBackLinks(path Path) ([]Link, error) {
	return c.graph.GetBackLinks(path)
}

// GetMeta returns the staging metadata of a note.
func (c *cache) GetMeta(path Path) (Meta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.CurrentMeta[path]
	if !ok {
		return Meta{}, ErrNoteNotFound
	}
	return copyMeta(m), nil
}

// FindProfile returns the notes defining a profile called name.
func (c *cache) FindProfile(name string) []Path {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var paths []Path
	for path, m := range c.CurrentMeta {
		for _, p := range m.Profiles {
			if p == name {
				paths = append(paths, path)
				break
			}
		}
	}
	sort.Strings(paths)
	return paths
}

// VisibleVariables returns the variables a note can use: those defined
// by any file it includes, directly or not, and by the files including
// it together with everything they include.
func (c *cache) VisibleVariables(path Path) []string {
	roots := c.walk([]Path{path}, c.graph.GetBackLinks, func(l Link) Path { return l.Source })
	reachable := c.walk(roots, c.graph.GetForwardLinks, func(l Link) Path { return l.Target })

	c.mu.RLock()
	defer c.mu.RUnlock()
	set := map[string]struct{}{}
	for _, p := range reachable {
		for _, v := range c.CurrentMeta[p].Variables {
			set[v] = struct{}{}
		}
	}
	vars := make([]string, 0, len(set))
	for v := range set {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// walk returns start and every note reachable from it along next.
func (c *cache) walk(start []Path, next func(Path) ([]Link, error), end func(Link) Path) []Path {
	seen := map[Path]struct{}{}
	queue := append([]Path(nil), start...)
	var out []Path
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
		links, _ := next(p)
		for _, l := range links {
			queue = append(queue, end(l))
		}
	}
	return out
}

func (c *cache) Subscribe(ctx context.Context) (<-chan Event, error) {
	return c.graph.Subscribe(ctx)
}

func (c *cache) Dump() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dump, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return dump
}
