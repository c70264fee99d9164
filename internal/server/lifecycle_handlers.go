package server

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache/database"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/config"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/manager"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/scheduler"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/watcher"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

func (s *Server) initialize(
	context *glsp.Context,
	params *protocol.InitializeParams,
) (any, error) {
	cfg, err := config.Load(params.InitializationOptions)
	if err != nil {
		return nil, err
	}
	s.config = cfg
	log.Infof("config: %+v", cfg)

	s.root = workspaceRoot(params, cfg.Root)
	if err := resolver.Configure(s.root, cfg.SearchPaths, cfg.Ignore); err != nil {
		return nil, err
	}
	s.setNotify(context.Notify)

	if err := s.openState(); err != nil {
		return nil, err
	}
	s.manager = manager.NewDocumentManager()
	if s.pool, err = parser.NewParserPool(4); err != nil {
		return nil, err
	}
	s.indexer = workspace.NewIndexer(s.cache, s.db, s.pool, cfg.IncludeQuery)
	s.indexer.SkipOpen(s.isOpen)
	s.startBackground()

	syncKind := protocol.TextDocumentSyncKindIncremental
	capabilities := s.handler.CreateServerCapabilities()
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: &protocol.True,
		Change:    &syncKind,
		Save:      &protocol.SaveOptions{IncludeText: &protocol.True},
	}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{CommandGraph, CommandReindex},
	}
	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"<", "/", "@", "{"},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lsName,
			Version: &s.version,
		},
	}, nil
}

// workspaceRoot picks the policy root: the configured root, resolved
// against the client's root when relative.
func workspaceRoot(params *protocol.InitializeParams, configured string) string {
	base := ""
	if params.RootURI != nil {
		if u, err := url.Parse(*params.RootURI); err == nil {
			base = u.Path
		}
	}
	if base == "" && params.RootPath != nil {
		base = *params.RootPath
	}
	switch {
	case configured == "" || configured == ".":
		if base != "" {
			return base
		}
		return "."
	case filepath.IsAbs(configured) || base == "":
		return configured
	default:
		return filepath.Join(base, configured)
	}
}

// openState restores the include graph dump and opens the index
// database of this root and configuration.
func (s *Server) openState() error {
	dir, err := stateDir(s.root, s.config)
	if err != nil {
		return err
	}
	s.cacheFile = filepath.Join(dir, "cache.json")

	s.cache = cache.NewCache()
	if dump, err := os.ReadFile(s.cacheFile); err == nil {
		if restored, err := cache.RestoreCache(dump); err == nil {
			s.cache = restored
		} else {
			log.Warningf("discarding cache %s: %s", s.cacheFile, err)
		}
	}

	db, err := database.NewSQLiteDB(filepath.Join(dir, "index.db"))
	if err != nil {
		// the server works without the index
		log.Errorf("failed to open index: %s", err)
		return nil
	}
	s.db = db
	return nil
}

func (s *Server) startBackground() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.scheduler = scheduler.NewScheduler(16)
	s.scheduler.RunScheduler()

	// zero interval scans once
	s.scheduler.SchedulePeriodicTask(s.config.Interval(), scheduler.Task{
		Name:    "rescan",
		Execute: s.reindex,
	})

	if !s.config.Watch {
		return
	}
	w, err := watcher.New(s.root, 0, watcher.Handler{
		Changed: func(path string) { s.fileChanged(path) },
		Removed: func(path string) { s.fileRemoved(path) },
	})
	if err != nil {
		log.Errorf("failed to start watcher: %s", err)
		return
	}
	go func() {
		if err := w.Watch(s.ctx); err != nil {
			log.Errorf("watcher stopped: %s", err)
		}
	}()
}

// reindex brings the index up to date with the disk and republishes the
// diagnostics of open documents.
func (s *Server) reindex() error {
	if _, err := s.indexer.IndexTree(s.ctx, s.root); err != nil {
		return err
	}
	s.saveCache()
	s.publishOpen()
	return nil
}

func (s *Server) fileChanged(path string) {
	file, err := resolver.Resolve(path)
	if err != nil {
		return
	}
	err = s.scheduler.ScheduleHighPriorityTask(scheduler.Task{
		Name: "index " + file.CachePath,
		Execute: func() error {
			// open documents are indexed on save
			if s.isOpen(file.CachePath) {
				return nil
			}
			doc, err := os.ReadFile(file.AbsolutePath)
			if err != nil {
				return err
			}
			if _, err := s.indexer.IndexFile(s.ctx, path, doc, time.Now()); err != nil {
				return err
			}
			s.publishOpen()
			return nil
		},
	})
	if err != nil {
		log.Debugf("dropped change of %s: %s", path, err)
	}
}

// isOpen reports whether the editor holds the file at path.
func (s *Server) isOpen(path cache.Path) bool {
	file, err := resolver.Resolve(path)
	if err != nil {
		return false
	}
	_, err = s.manager.GetDocument(file.URI)
	return err == nil
}

func (s *Server) fileRemoved(path string) {
	err := s.scheduler.ScheduleHighPriorityTask(scheduler.Task{
		Name: "remove " + path,
		Execute: func() error {
			if err := s.indexer.RemoveFile(path); err != nil {
				return err
			}
			s.publishOpen()
			return nil
		},
	})
	if err != nil {
		log.Debugf("dropped removal of %s: %s", path, err)
	}
}

func (s *Server) saveCache() {
	if s.cacheFile == "" {
		return
	}
	log.Debugf("dumping cache to %s", s.cacheFile)
	if err := os.WriteFile(s.cacheFile, s.cache.Dump(), 0o644); err != nil {
		log.Errorf("error during cache dump: %s", err)
	}
}

func (s *Server) initialized(
	context *glsp.Context,
	params *protocol.InitializedParams,
) error {
	log.Info("client initialized")
	return nil
}

func (s *Server) shutdown(context *glsp.Context) error {
	log.Info("shutting down")
	if s.scheduler != nil {
		s.scheduler.StopScheduler()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.cache != nil {
		s.saveCache()
	}
	s.graphMu.Lock()
	if s.graph != nil {
		s.graph.Close()
		s.graph = nil
	}
	s.graphMu.Unlock()
	if s.manager != nil {
		s.manager.CloseAll()
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
		s.db = nil
	}
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (s *Server) setTrace(context *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}
