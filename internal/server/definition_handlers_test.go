package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/config"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/manager"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

const fooPolicy = `include <tunables/global>
include <tunables/extra>
include <abstractions/missing>

profile foo /usr/bin/foo {
  @{HOME}/.foo r,
  @{HOME}/.bar w,
  /usr/bin/bar Px -> bar,
  /usr/bin/child Cx -> child,
  profile child {
  }
}
`

var workspaceFiles = map[string]string{
	"tunables/global": "@{HOME}=/home/*/\n",
	"tunables/extra":  "@{HOME}+=/srv/home/\n",
	"usr.bin.bar":     "profile bar {\n}\nprofile child {\n}\n",
	"usr.bin.foo":     fooPolicy,
}

type notification struct {
	method string
	params any
}

type recorder struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recorder) notify(method string, params any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{method, params})
}

func (r *recorder) find(method string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, n := range r.sent {
		if n.method == method {
			out = append(out, n.params)
		}
	}
	return out
}

// newTestServer indexes files in a temporary root the way initialize does,
// without a database or background tasks.
func newTestServer(t *testing.T, files map[string]string) (*Server, *recorder) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	require.NoError(t, resolver.Configure(root, []string{root}, nil))

	pool, err := parser.NewParserPool(2)
	require.NoError(t, err)

	rec := &recorder{}
	s := newServer("test")
	s.config = config.Default()
	s.root = root
	s.cache = cache.NewCache()
	s.manager = manager.NewDocumentManager()
	s.pool = pool
	s.indexer = workspace.NewIndexer(s.cache, nil, pool, s.config.IncludeQuery)
	s.indexer.SkipOpen(s.isOpen)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setNotify(rec.notify)
	t.Cleanup(func() {
		s.cancel()
		s.manager.CloseAll()
		pool.Close()
	})

	_, err = s.indexer.IndexTree(s.ctx, root)
	require.NoError(t, err)
	return s, rec
}

func openDocument(t *testing.T, s *Server, rec *recorder, rel string) (resolver.File, *glsp.Context) {
	t.Helper()
	file, err := resolver.Resolve(rel)
	require.NoError(t, err)
	doc, err := os.ReadFile(file.AbsolutePath)
	require.NoError(t, err)

	ctx := &glsp.Context{Notify: rec.notify}
	require.NoError(t, s.textDocumentDidOpen(ctx, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: file.URI, LanguageID: "apparmor", Version: 1, Text: string(doc)},
	}))
	return file, ctx
}

func definition(t *testing.T, s *Server, ctx *glsp.Context, file resolver.File, line, char uint32) []protocol.Location {
	t.Helper()
	result, err := s.textDocumentDefinition(ctx, &protocol.DefinitionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: file.URI},
			Position:     protocol.Position{Line: line, Character: char},
		},
	})
	require.NoError(t, err)
	if result == nil {
		return nil
	}
	locations, ok := result.([]protocol.Location)
	require.True(t, ok, "unexpected result %T", result)
	return locations
}

func uriOf(t *testing.T, rel string) protocol.DocumentUri {
	t.Helper()
	f, err := resolver.Resolve(rel)
	require.NoError(t, err)
	return f.URI
}

func span(l1, c1, l2, c2 uint32) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: l1, Character: c1},
		End:   protocol.Position{Line: l2, Character: c2},
	}
}

func TestDefinitionPrefersChildProfile(t *testing.T) {
	s, rec := newTestServer(t, workspaceFiles)
	file, ctx := openDocument(t, s, rec, "usr.bin.foo")

	// usr.bin.bar also has a top level "child"; foo//child wins
	locations := definition(t, s, ctx, file, 8, 23)
	assert.Equal(t, []protocol.Location{{URI: file.URI, Range: span(9, 10, 9, 15)}}, locations)
}

func TestDefinitionFallsBackToIndexedProfile(t *testing.T) {
	s, rec := newTestServer(t, workspaceFiles)
	file, ctx := openDocument(t, s, rec, "usr.bin.foo")

	locations := definition(t, s, ctx, file, 7, 22)
	assert.Equal(t, []protocol.Location{{URI: uriOf(t, "usr.bin.bar"), Range: span(0, 8, 0, 11)}}, locations)
}

func TestDefinitionOfMissingInclude(t *testing.T) {
	s, rec := newTestServer(t, workspaceFiles)
	file, ctx := openDocument(t, s, rec, "usr.bin.foo")

	assert.Empty(t, definition(t, s, ctx, file, 2, 12))

	shown := rec.find(protocol.ServerWindowShowDocument)
	require.Len(t, shown, 1)
	params, ok := shown[0].(protocol.ShowDocumentParams)
	require.True(t, ok)
	assert.Equal(t, uriOf(t, "abstractions/missing"), params.URI)
	assert.False(t, *params.External)
}

func TestDefinitionOfExistingInclude(t *testing.T) {
	s, rec := newTestServer(t, workspaceFiles)
	file, ctx := openDocument(t, s, rec, "usr.bin.foo")

	locations := definition(t, s, ctx, file, 0, 10)
	assert.Equal(t, []protocol.Location{{URI: uriOf(t, "tunables/global")}}, locations)
	assert.Empty(t, rec.find(protocol.ServerWindowShowDocument))
}

func TestDefinitionOfVariable(t *testing.T) {
	s, rec := newTestServer(t, workspaceFiles)
	file, ctx := openDocument(t, s, rec, "usr.bin.foo")

	locations := definition(t, s, ctx, file, 5, 4)
	assert.Equal(t, []protocol.Location{
		{URI: uriOf(t, "tunables/extra"), Range: span(0, 0, 0, 7)},
		{URI: uriOf(t, "tunables/global"), Range: span(0, 0, 0, 7)},
	}, locations)
}

func references(t *testing.T, s *Server, uri protocol.DocumentUri, line, char uint32) []protocol.Location {
	t.Helper()
	locations, err := s.textDocumentReferences(&glsp.Context{}, &protocol.ReferenceParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     protocol.Position{Line: line, Character: char},
		},
	})
	require.NoError(t, err)
	return locations
}

func TestReferencesOfVariable(t *testing.T) {
	s, rec := newTestServer(t, workspaceFiles)
	file, _ := openDocument(t, s, rec, "usr.bin.foo")

	assert.Equal(t, []protocol.Location{
		{URI: file.URI, Range: span(5, 2, 5, 9)},
		{URI: file.URI, Range: span(6, 2, 6, 9)},
	}, references(t, s, file.URI, 6, 3))
}

func TestReferencesListIncluders(t *testing.T) {
	s, _ := newTestServer(t, workspaceFiles)

	assert.Equal(t, []protocol.Location{
		{URI: uriOf(t, "usr.bin.foo"), Range: span(0, 8, 0, 25)},
	}, references(t, s, uriOf(t, "tunables/global"), 0, 2))
}
