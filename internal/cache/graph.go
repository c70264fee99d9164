package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("apparmor.cache")

// subscriber is a Subscribe channel. lagged is set once an event could
// not be delivered.
type subscriber struct {
	ch     chan Event
	lagged bool
}

// In-memory implementation of Graph.
// Uses maps for fast lookups.
type graph struct {
	mu          sync.RWMutex
	notes       map[Path]*Note
	forward     map[Path]map[Path]Link
	backlinks   map[Path]map[Path]Link
	subscribers map[int]*subscriber
	nextSubID   int
	dropped     uint64
}

func NewGraph() Graph {
	return &graph{
		notes:       make(map[Path]*Note),
		forward:     make(map[Path]map[Path]Link),
		backlinks:   make(map[Path]map[Path]Link),
		subscribers: make(map[int]*subscriber),
	}
}

func (g *graph) UpsertNote(path Path, links []Link) error {
	newSet, err := getTargets(path, links)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Ensure note exists (override placeholder)
	note, exists := g.notes[path]
	if !exists {
		g.notes[path] = &Note{Path: path}
		g.emit(Event{Type: CreateNote, Note: &NoteEvent{Path: path}})
	} else if note.Placeholder {
		note.Placeholder = false
		g.emit(Event{Type: UpdateNote, Note: &NoteEvent{Path: path}})
	}

	existing := g.forward[path]
	if g.renamePlaceholder(path, existing, newSet) {
		return nil
	}

	removed, added := diff(existing, newSet)
	for _, tgt := range removed {
		g.unlink(path, tgt)
	}
	for _, tgt := range added {
		if _, ok := g.notes[tgt]; !ok {
			g.notes[tgt] = &Note{Path: tgt, Placeholder: true}
			g.emit(Event{Type: CreateNote, Note: &NoteEvent{Path: tgt, Placeholder: true}})
		}
	}

	// Links kept from before only change their ranges, which is not an event.
	fwd := make(map[Path]Link, len(newSet))
	for tgt, l := range newSet {
		fwd[tgt] = l
		if g.backlinks[tgt] == nil {
			g.backlinks[tgt] = make(map[Path]Link)
		}
		g.backlinks[tgt][path] = l
	}
	if len(fwd) == 0 {
		delete(g.forward, path)
	} else {
		g.forward[path] = fwd
	}

	for _, tgt := range added {
		g.emit(Event{Type: CreateLink, Link: &LinkEvent{Source: path, Target: tgt}})
	}
	return nil
}

// renamePlaceholder handles a note whose single include moves from one
// missing file to another, as happens while an include path is typed.
// The placeholder is renamed instead of deleted and recreated.
func (g *graph) renamePlaceholder(path Path, existing, newSet map[Path]Link) bool {
	if len(existing) != 1 || len(newSet) != 1 {
		return false
	}
	var oldT, newT Path
	for t := range existing {
		oldT = t
	}
	for t := range newSet {
		newT = t
	}
	ph, oldExists := g.notes[oldT]
	_, newExists := g.notes[newT]
	bl := g.backlinks[oldT]
	if oldT == newT || !oldExists || !ph.Placeholder || newExists || len(bl) != 1 || len(g.forward[oldT]) > 0 {
		return false
	}
	if _, own := bl[path]; !own {
		return false
	}

	delete(g.notes, oldT)
	delete(g.backlinks, oldT)
	g.notes[newT] = &Note{Path: newT, Placeholder: true}
	g.forward[path] = map[Path]Link{newT: newSet[newT]}
	g.backlinks[newT] = map[Path]Link{path: newSet[newT]}
	g.emit(Event{Type: UpdateNote, Note: &NoteEvent{Path: newT, Placeholder: true}, OldPath: oldT})
	return true
}

// unlink removes the link from src to tgt and drops tgt if it is a
// placeholder nobody links to anymore.
func (g *graph) unlink(src, tgt Path) {
	if fl := g.forward[src]; fl != nil {
		delete(fl, tgt)
		if len(fl) == 0 {
			delete(g.forward, src)
		}
	}
	if bl := g.backlinks[tgt]; bl != nil {
		delete(bl, src)
		if len(bl) == 0 {
			delete(g.backlinks, tgt)
		}
	}
	g.emit(Event{Type: DeleteLink, Link: &LinkEvent{Source: src, Target: tgt}})

	if ph, ok := g.notes[tgt]; ok && ph.Placeholder {
		if _, hasBack := g.backlinks[tgt]; !hasBack {
			delete(g.notes, tgt)
			g.emit(Event{Type: DeleteNote, Note: &NoteEvent{Path: tgt, Placeholder: true}})
		}
	}
}

func (g *graph) DeleteNote(path Path) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.notes[path]
	if !exists {
		return ErrNoteNotFound
	}

	// A deleted file includes nothing.
	targets := make([]Path, 0, len(g.forward[path]))
	for tgt := range g.forward[path] {
		targets = append(targets, tgt)
	}
	sort.Strings(targets)
	for _, tgt := range targets {
		g.unlink(path, tgt)
	}
	// if still included somewhere, keep it as placeholder
	if bl := g.backlinks[path]; len(bl) > 0 {
		if !n.Placeholder {
			n.Placeholder = true
			g.emit(Event{Type: UpdateNote, Note: &NoteEvent{Path: path, Placeholder: true}})
		}
		return nil
	}

	delete(g.notes, path)
	g.emit(Event{Type: DeleteNote, Note: &NoteEvent{Path: path, Placeholder: n.Placeholder}})
	return nil
}

func (g *graph) GetPaths() []Path {
	g.mu.RLock()
	defer g.mu.RUnlock()
	paths := make([]Path, 0, len(g.notes))
	for p := range g.notes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (g *graph) GetForwardLinks(path Path) ([]Link, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.forward[path]) == 0 {
		return nil, nil
	}
	return sortedLinks(g.forward[path]), nil
}

func (g *graph) GetBackLinks(path Path) ([]Link, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.backlinks[path]) == 0 {
		return nil, nil
	}
	return sortedLinks(g.backlinks[path]), nil
}

func (g *graph) IsPlaceholder(path Path) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	note, ok := g.notes[path]
	if !ok {
		return false, ErrNoteNotFound
	}
	return note.Placeholder, nil
}

func (g *graph) Subscribe(ctx context.Context) (<-chan Event, error) {
	g.mu.Lock()
	ch := make(chan Event, subscriberBuffer)
	sid := g.nextSubID
	g.nextSubID++
	g.subscribers[sid] = &subscriber{ch: ch}
	g.mu.Unlock()

	// remove on context done
	go func() {
		<-ctx.Done()
		g.mu.Lock()
		delete(g.subscribers, sid)
		close(ch)
		g.mu.Unlock()
	}()
	return ch, nil
}

const subscriberBuffer = 64

// emit sends event to all subscribers without blocking. A subscriber that
// missed events receives Resync ahead of its next event and must reload
// the graph.
func (g *graph) emit(event Event) {
	for sid, sub := range g.subscribers {
		if sub.lagged {
			select {
			case sub.ch <- Event{Type: Resync}:
				sub.lagged = false
			default:
				g.dropped++
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			g.dropped++
			sub.lagged = true
			log.Warningf("subscriber %d is not keeping up, dropped %s event (%d dropped in total)", sid, event.Type, g.dropped)
		}
	}
}

// Dropped returns the number of events subscribers missed.
func (g *graph) Dropped() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dropped
}
