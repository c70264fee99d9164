package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
)

func readMessage(t *testing.T, conn *websocket.Conn) IncrementalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg IncrementalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestApply(t *testing.T) {
	s := NewServer()
	s.AddLink(cache.Link{Source: "usr.bin.foo", Target: "abstractions/base"})
	s.AddLink(cache.Link{Source: "usr.bin.foo", Target: "abstractions/base"})

	g := s.GetGraph()
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Links, 1)
	assert.True(t, g.Nodes[1].Placeholder)

	s.Apply(cache.Event{Type: cache.UpdateNote, Note: &cache.NoteEvent{Path: "abstractions/base"}})
	g = s.GetGraph()
	assert.False(t, g.Nodes[1].Placeholder)

	s.Apply(cache.Event{Type: cache.DeleteLink, Link: &cache.LinkEvent{Source: "usr.bin.foo", Target: "abstractions/base"}})
	assert.Empty(t, s.GetGraph().Links)

	s.Apply(cache.Event{Type: cache.DeleteNote, Note: &cache.NoteEvent{Path: "usr.bin.foo"}})
	g = s.GetGraph()
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "abstractions/base", g.Nodes[0].Label)
}

func TestRename(t *testing.T) {
	s := NewServer()
	s.AddNode(cache.Note{Path: "/etc/apparmor.d/tunables/global", Placeholder: true})
	id := s.GetGraph().Nodes[0].ID

	s.UpdateNode(cache.Note{Path: "tunables/global"}, "/etc/apparmor.d/tunables/global")
	g := s.GetGraph()
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, id, g.Nodes[0].ID)
	assert.Equal(t, "tunables/global", g.Nodes[0].Label)

	// later links reuse the renamed node
	s.AddLink(cache.Link{Source: "usr.bin.foo", Target: "tunables/global"})
	assert.Equal(t, id, s.GetGraph().Links[0].Target)
}

func TestWebSocket(t *testing.T) {
	s := NewServer()
	s.AddNode(cache.Note{Path: "usr.bin.foo"})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, "init", msg.Op)
	require.NotNil(t, msg.Graph)
	assert.Len(t, msg.Graph.Nodes, 1)

	s.AddLink(cache.Link{Source: "usr.bin.foo", Target: "abstractions/base"})
	msg = readMessage(t, conn)
	assert.Equal(t, "add", msg.Op)
	require.NotNil(t, msg.Node)
	assert.Equal(t, "abstractions/base", msg.Node.Label)
	msg = readMessage(t, conn)
	assert.Equal(t, "add", msg.Op)
	require.NotNil(t, msg.Link)
	assert.Equal(t, 0, msg.Link.Source)
	assert.Equal(t, 1, msg.Link.Target)
}

func TestFollow(t *testing.T) {
	c := cache.NewCache()
	require.NoError(t, c.SaveNote("usr.bin.foo", []cache.Link{
		{Source: "usr.bin.foo", Target: "tunables/global"},
	}, cache.Meta{}, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer()
	require.NoError(t, s.Follow(ctx, c))

	g := s.GetGraph()
	assert.Len(t, g.Nodes, 2)
	assert.Len(t, g.Links, 1)

	require.NoError(t, c.SaveNote("tunables/global", nil, cache.Meta{}, time.Now()))
	assert.Eventually(t, func() bool {
		for _, n := range s.GetGraph().Nodes {
			if n.Label == "tunables/global" {
				return !n.Placeholder
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReload(t *testing.T) {
	c := cache.NewCache()
	require.NoError(t, c.SaveNote("usr.bin.foo", []cache.Link{
		{Source: "usr.bin.foo", Target: "tunables/global"},
	}, cache.Meta{}, time.Now()))

	s := NewServer()
	s.AddNode(cache.Note{Path: "stale"})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "init", readMessage(t, conn).Op)

	s.Reload(c)
	msg := readMessage(t, conn)
	assert.Equal(t, "init", msg.Op)
	require.NotNil(t, msg.Graph)
	var labels []string
	for _, n := range msg.Graph.Nodes {
		labels = append(labels, n.Label)
	}
	assert.ElementsMatch(t, []string{"usr.bin.foo", "tunables/global"}, labels)
	assert.Len(t, msg.Graph.Links, 1)

	// the client keeps receiving updates
	s.AddNode(cache.Note{Path: "abstractions/base"})
	assert.Equal(t, "add", readMessage(t, conn).Op)
}

func TestStartClose(t *testing.T) {
	s := NewServer()
	url, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://127.0.0.1:"))

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	require.NoError(t, s.Close())
}
