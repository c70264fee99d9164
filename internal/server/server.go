package server

import (
	"context"
	"sync"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache/database"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/config"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/graph"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/manager"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/scheduler"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

var log = commonlog.GetLogger("apparmor.server")

const lsName = "apparmor-ls"

const (
	CommandGraph   = "apparmor.graph"
	CommandReindex = "apparmor.reindex"
)

type Server struct {
	version string
	handler protocol.Handler

	config    config.Config
	root      string
	cacheFile string

	manager   *manager.DocumentManager
	cache     cache.Cache
	db        database.Database
	pool      *parser.ParserPool
	indexer   *workspace.Indexer
	scheduler *scheduler.Scheduler

	// notify publishes to the client from background tasks.
	notifyMu sync.Mutex
	notify   glsp.NotifyFunc

	graphMu  sync.Mutex
	graph    *graph.Server
	graphURL string

	ctx    context.Context
	cancel context.CancelFunc
}

func newServer(version string) *Server {
	ls := &Server{version: version}
	ls.handler = protocol.Handler{
		Initialize:                 ls.initialize,
		Initialized:                ls.initialized,
		Shutdown:                   ls.shutdown,
		SetTrace:                   ls.setTrace,
		TextDocumentDidOpen:        ls.textDocumentDidOpen,
		TextDocumentDidChange:      ls.textDocumentDidChange,
		TextDocumentDidSave:        ls.textDocumentDidSave,
		TextDocumentDidClose:       ls.textDocumentDidClose,
		TextDocumentDefinition:     ls.textDocumentDefinition,
		TextDocumentReferences:     ls.textDocumentReferences,
		TextDocumentDocumentSymbol: ls.textDocumentDocumentSymbol,
		TextDocumentHover:          ls.textDocumentHover,
		TextDocumentCompletion:     ls.textDocumentCompletion,
		TextDocumentDocumentLink:   ls.textDocumentDocumentLink,
		TextDocumentFoldingRange:   ls.textDocumentFoldingRange,
		WorkspaceExecuteCommand:    ls.workspaceExecuteCommand,
		WorkspaceSymbol:            ls.workspaceSymbol,
	}
	return ls
}

// NewServer creates the language server. Run it with RunStdio or RunTCP.
func NewServer(version string, debug bool) *server.Server {
	ls := newServer(version)
	return server.NewServer(&ls.handler, lsName, debug)
}

func (s *Server) setNotify(notify glsp.NotifyFunc) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notify = notify
}

func (s *Server) publish(method string, params any) {
	s.notifyMu.Lock()
	notify := s.notify
	s.notifyMu.Unlock()
	if notify != nil {
		notify(method, params)
	}
}
