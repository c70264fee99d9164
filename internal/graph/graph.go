package graph

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tliron/commonlog"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
)

var log = commonlog.GetLogger("apparmor.graph")

// GraphData holds the nodes and links of the graph.
type GraphData struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Node represents a policy file.
// ID must be unique.
type Node struct {
	ID          int    `json:"id"`
	Label       string `json:"label"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Link represents an include from Source to Target.
type Link struct {
	Source   int  `json:"source"`
	Target   int  `json:"target"`
	Optional bool `json:"optional,omitempty"`
}

// IncrementalMessage is sent over WebSocket to update clients.
type IncrementalMessage struct {
	Op    string     `json:"op"`              // "init", "add", "update", "deleteNode", "deleteLink"
	Graph *GraphData `json:"graph,omitempty"` // used for "init"
	Node  *Node      `json:"node,omitempty"`  // for add/update/deleteNode
	Link  *Link      `json:"link,omitempty"`  // for add/deleteLink
}

//go:embed static/*
var staticFiles embed.FS

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Server serves the include graph and pushes changes to connected pages.
type Server struct {
	graphMu sync.Mutex
	graph   GraphData
	ids     map[cache.Path]int
	nextID  int

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	httpServer *http.Server
}

func NewServer() *Server {
	return &Server{
		graph:   GraphData{Nodes: []Node{}, Links: []Link{}},
		ids:     make(map[cache.Path]int),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler serves the page under / and the updates under /ws.
func (s *Server) Handler() http.Handler {
	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(static)))
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on addr (":0" picks a free port) and returns the URL of
// the page.
func (s *Server) Start(addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("graph server error: %s", err)
		}
	}()

	return "http://" + l.Addr().String() + "/", nil
}

// Close stops the HTTP server and disconnects all clients.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// Follow loads the current state of c and applies its events until ctx
// is cancelled.
func (s *Server) Follow(ctx context.Context, c cache.Cache) error {
	events, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}

	s.load(c)

	go func() {
		for ev := range events {
			if ev.Type == cache.Resync {
				log.Warning("include graph fell behind, reloading")
				s.Reload(c)
				continue
			}
			s.Apply(ev)
		}
	}()
	return nil
}

func (s *Server) load(c cache.Cache) {
	for _, p := range c.GetPaths() {
		s.ensureNode(p, !c.NoteExists(p))
	}
	for _, p := range c.GetPaths() {
		links, _ := c.GetForwardLinks(p)
		for _, l := range links {
			s.AddLink(l)
		}
	}
}

// Reload rebuilds the graph from c and sends it to all clients as a new
// initial state.
func (s *Server) Reload(c cache.Cache) {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	s.graphMu.Lock()
	s.graph = GraphData{Nodes: []Node{}, Links: []Link{}}
	s.ids = make(map[cache.Path]int)
	s.graphMu.Unlock()
	s.load(c)

	state := s.GetGraph()
	data, err := json.Marshal(IncrementalMessage{Op: "init", Graph: &state})
	if err != nil {
		log.Errorf("marshal error: %s", err)
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debugf("resync error: %s", err)
			conn.Close()
			continue
		}
		s.clients[conn] = true
	}
}

// Apply updates the graph with a cache event.
func (s *Server) Apply(ev cache.Event) {
	switch {
	case ev.Type == cache.CreateNote && ev.Note != nil:
		s.AddNode(*ev.Note)
	case ev.Type == cache.UpdateNote && ev.Note != nil:
		s.UpdateNode(*ev.Note, ev.OldPath)
	case ev.Type == cache.DeleteNote && ev.Note != nil:
		s.DeleteNode(ev.Note.Path)
	case ev.Type == cache.CreateLink && ev.Link != nil:
		s.AddLink(cache.Link{Source: ev.Link.Source, Target: ev.Link.Target})
	case ev.Type == cache.DeleteLink && ev.Link != nil:
		s.DeleteLink(cache.Link{Source: ev.Link.Source, Target: ev.Link.Target})
	}
}

func (s *Server) ensureNode(path cache.Path, placeholder bool) (Node, bool) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	if id, ok := s.ids[path]; ok {
		return Node{ID: id, Label: path}, false
	}
	node := Node{ID: s.nextID, Label: path, Placeholder: placeholder}
	s.nextID++
	s.ids[path] = node.ID
	s.graph.Nodes = append(s.graph.Nodes, node)
	return node, true
}

// AddNode adds a node to the graph and broadcasts the change.
func (s *Server) AddNode(note cache.Note) {
	if node, added := s.ensureNode(note.Path, note.Placeholder); added {
		s.broadcastMessage(IncrementalMessage{Op: "add", Node: &node})
	}
}

// UpdateNode updates an existing node and broadcasts. A non-empty
// oldPath renames the node.
func (s *Server) UpdateNode(note cache.Note, oldPath cache.Path) {
	key := note.Path
	if oldPath != "" {
		key = oldPath
	}

	s.graphMu.Lock()
	id, ok := s.ids[key]
	if !ok {
		s.graphMu.Unlock()
		s.AddNode(note)
		return
	}
	delete(s.ids, key)
	s.ids[note.Path] = id
	node := Node{ID: id, Label: note.Path, Placeholder: note.Placeholder}
	for i, n := range s.graph.Nodes {
		if n.ID == id {
			s.graph.Nodes[i] = node
			break
		}
	}
	s.graphMu.Unlock()
	s.broadcastMessage(IncrementalMessage{Op: "update", Node: &node})
}

// DeleteNode removes a node and its links and broadcasts.
func (s *Server) DeleteNode(path cache.Path) {
	s.graphMu.Lock()
	id, ok := s.ids[path]
	if !ok {
		s.graphMu.Unlock()
		return
	}
	delete(s.ids, path)
	newNodes := make([]Node, 0, len(s.graph.Nodes))
	for _, n := range s.graph.Nodes {
		if n.ID != id {
			newNodes = append(newNodes, n)
		}
	}
	s.graph.Nodes = newNodes
	newLinks := make([]Link, 0, len(s.graph.Links))
	for _, l := range s.graph.Links {
		if l.Source != id && l.Target != id {
			newLinks = append(newLinks, l)
		}
	}
	s.graph.Links = newLinks
	s.graphMu.Unlock()
	s.broadcastMessage(IncrementalMessage{Op: "deleteNode", Node: &Node{ID: id}})
}

// AddLink adds a link to the graph and broadcasts. Missing end points are
// added as placeholders.
func (s *Server) AddLink(l cache.Link) {
	s.AddNode(cache.Note{Path: l.Source})
	s.AddNode(cache.Note{Path: l.Target, Placeholder: true})

	s.graphMu.Lock()
	link := Link{Source: s.ids[l.Source], Target: s.ids[l.Target], Optional: l.Optional}
	for _, existing := range s.graph.Links {
		if existing.Source == link.Source && existing.Target == link.Target {
			s.graphMu.Unlock()
			return
		}
	}
	s.graph.Links = append(s.graph.Links, link)
	s.graphMu.Unlock()
	s.broadcastMessage(IncrementalMessage{Op: "add", Link: &link})
}

// DeleteLink removes a link and broadcasts.
func (s *Server) DeleteLink(l cache.Link) {
	s.graphMu.Lock()
	src, ok1 := s.ids[l.Source]
	tgt, ok2 := s.ids[l.Target]
	if !ok1 || !ok2 {
		s.graphMu.Unlock()
		return
	}
	newLinks := make([]Link, 0, len(s.graph.Links))
	for _, existing := range s.graph.Links {
		if existing.Source != src || existing.Target != tgt {
			newLinks = append(newLinks, existing)
		}
	}
	s.graph.Links = newLinks
	s.graphMu.Unlock()
	s.broadcastMessage(IncrementalMessage{Op: "deleteLink", Link: &Link{Source: src, Target: tgt}})
}

// GetGraph returns a snapshot of the current graph.
func (s *Server) GetGraph() GraphData {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	return GraphData{
		Nodes: append([]Node{}, s.graph.Nodes...),
		Links: append([]Link{}, s.graph.Links...),
	}
}

// broadcastMessage marshals and sends a message to all clients.
func (s *Server) broadcastMessage(msg IncrementalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("marshal error: %s", err)
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debugf("broadcast error: %s", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// handleWS upgrades HTTP connections and sends initial graph state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("ws upgrade error: %s", err)
		return
	}

	// the snapshot is sent under the clients lock so no broadcast can
	// overtake it
	s.clientsMu.Lock()
	state := s.GetGraph()
	data, err := json.Marshal(IncrementalMessage{Op: "init", Graph: &state})
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		s.clientsMu.Unlock()
		log.Warningf("failed to send initial graph: %s", err)
		conn.Close()
		return
	}
	s.clients[conn] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	// keep connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
}
