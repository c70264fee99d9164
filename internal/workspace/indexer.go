// Package workspace keeps the include graph and the persistent index of a
// policy tree up to date.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/tliron/commonlog"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/analysis"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache/database"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/scanner"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
)

var log = commonlog.GetLogger("apparmor.workspace")

// Document is a parsed policy file with everything the index stores
// about it.
type Document struct {
	File      resolver.File
	Tree      *sitter.Tree
	Links     []cache.Link
	Profiles  []symbols.Profile
	Variables []symbols.Variable
}

// Meta returns the cache metadata of the document.
func (d *Document) Meta() cache.Meta {
	return Meta(d.Profiles, d.Variables)
}

// Meta collects the profile and variable names a file defines.
func Meta(profiles []symbols.Profile, variables []symbols.Variable) cache.Meta {
	var meta cache.Meta
	for _, p := range profiles {
		meta.Profiles = append(meta.Profiles, p.FullName)
	}
	seen := map[string]bool{}
	for _, v := range variables {
		if !seen[v.Name] {
			seen[v.Name] = true
			meta.Variables = append(meta.Variables, v.Name)
		}
	}
	return meta
}

// Indexer feeds parsed documents into the cache and, when one is
// configured, the database.
type Indexer struct {
	cache cache.Cache
	db    database.Database
	pool  *parser.ParserPool
	query []byte

	openMu sync.RWMutex
	open   func(cache.Path) bool
}

// NewIndexer creates an indexer. db may be nil.
func NewIndexer(c cache.Cache, db database.Database, pool *parser.ParserPool, includeQuery string) *Indexer {
	if includeQuery == "" {
		includeQuery = parser.IncludeQuery
	}
	return &Indexer{cache: c, db: db, pool: pool, query: []byte(includeQuery)}
}

func (ix *Indexer) Cache() cache.Cache { return ix.cache }

// SkipOpen makes IndexTree leave alone the files for which open reports
// true. Their notes follow the editor buffer instead of the disk.
func (ix *Indexer) SkipOpen(open func(cache.Path) bool) {
	ix.openMu.Lock()
	defer ix.openMu.Unlock()
	ix.open = open
}

func (ix *Indexer) isOpen(path cache.Path) bool {
	ix.openMu.RLock()
	defer ix.openMu.RUnlock()
	return ix.open != nil && ix.open(path)
}

// Parse parses doc and extracts its includes and definitions.
func (ix *Indexer) Parse(ctx context.Context, path string, doc []byte) (*Document, error) {
	file, err := resolver.Resolve(path)
	if err != nil {
		return nil, err
	}
	tree, err := ix.pool.ParseTree(ctx, doc)
	if err != nil {
		return nil, err
	}
	matches, err := parser.QueryTree(tree, doc, ix.query)
	if err != nil {
		return nil, err
	}
	root := tree.RootNode()
	return &Document{
		File:      file,
		Tree:      tree,
		Links:     resolver.ExtractIncludes(file, parser.Captured(matches, "target"), doc),
		Profiles:  symbols.Profiles(root, doc),
		Variables: symbols.Variables(root, doc),
	}, nil
}

// IndexFile parses and stores a file as saved at modTime.
func (ix *Indexer) IndexFile(ctx context.Context, path string, doc []byte, modTime time.Time) (*Document, error) {
	d, err := ix.Parse(ctx, path, doc)
	if err != nil {
		return nil, err
	}
	if err := ix.cache.SaveNote(d.File.CachePath, d.Links, d.Meta(), modTime); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", d.File.CachePath, err)
	}
	if err := ix.store(d, modTime); err != nil {
		return nil, err
	}
	return d, nil
}

func (ix *Indexer) store(d *Document, modTime time.Time) error {
	if ix.db == nil {
		return nil
	}
	path := d.File.CachePath

	includes := make([]database.IncludeRecord, 0, len(d.Links))
	for _, l := range d.Links {
		includes = append(includes, database.IncludeRecord{SourcePath: path, TargetPath: l.Target, Optional: l.Optional})
	}
	profiles := make([]database.ProfileRecord, 0, len(d.Profiles))
	for _, p := range d.Profiles {
		profiles = append(profiles, database.ProfileRecord{
			Name:       p.FullName,
			Path:       path,
			Attachment: p.Attachment,
			Hat:        p.Hat,
			Line:       p.Selection.StartPoint.Row,
		})
	}
	variables := make([]database.VariableRecord, 0, len(d.Variables))
	for _, v := range d.Variables {
		variables = append(variables, database.VariableRecord{Name: v.Name, Path: path, Line: v.Range.StartPoint.Row})
	}

	err := ix.db.WithTx(func(tx database.Transaction) error {
		if err := tx.UpsertFile(&database.FileRecord{Path: path, LastModified: modTime.Unix(), Exists: true}); err != nil {
			return err
		}
		if err := tx.UpsertIncludes(path, includes); err != nil {
			return err
		}
		if err := tx.ReplaceProfiles(path, profiles); err != nil {
			return err
		}
		return tx.ReplaceVariables(path, variables)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", path, err)
	}
	return nil
}

// RemoveFile drops a deleted file from the cache and the database.
func (ix *Indexer) RemoveFile(path string) error {
	file, err := resolver.Resolve(path)
	if err != nil {
		return err
	}
	if err := ix.cache.DeleteNote(file.CachePath); err != nil && !errors.Is(err, cache.ErrNoteNotFound) {
		return err
	}
	if ix.db == nil {
		return nil
	}
	err = ix.db.WithTx(func(tx database.Transaction) error {
		return tx.DeleteFile(file.CachePath)
	})
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	return nil
}

// IndexTree indexes every policy file below root that changed since it
// was last saved and drops files that no longer exist. It returns the
// number of files parsed.
func (ix *Indexer) IndexTree(ctx context.Context, root string) (int, error) {
	var mu sync.Mutex
	seen := map[cache.Path]struct{}{}
	indexed := 0

	skip := func(path string, info fs.FileInfo) bool {
		file, err := resolver.Resolve(path)
		if err != nil {
			return true
		}
		mu.Lock()
		seen[file.CachePath] = struct{}{}
		mu.Unlock()

		if ix.isOpen(file.CachePath) {
			log.Debugf("%s is open, skipping", path)
			return true
		}
		if !ix.cache.NoteExists(file.CachePath) {
			return false
		}
		unchanged := !ix.cache.GetSaveTime(file.CachePath).Before(info.ModTime())
		if !unchanged {
			log.Debugf("%s was changed", path)
		}
		return unchanged
	}
	callback := func(path string, doc []byte) {
		modTime := time.Now()
		if info, err := os.Stat(path); err == nil {
			modTime = info.ModTime()
		}
		if _, err := ix.IndexFile(ctx, path, doc, modTime); err != nil {
			log.Warningf("failed to index %s: %s", path, err)
			return
		}
		mu.Lock()
		indexed++
		mu.Unlock()
	}

	start := time.Now()
	if err := scanner.Scan(ctx, root, skip, callback); err != nil {
		return indexed, err
	}

	rootFile, err := resolver.Resolve(root)
	if err != nil {
		return indexed, err
	}
	for _, p := range ix.cache.GetPaths() {
		if _, ok := seen[p]; ok || !ix.cache.NoteExists(p) {
			continue
		}
		f, err := resolver.Resolve(p)
		if err != nil || !within(rootFile.AbsolutePath, f.AbsolutePath) {
			continue
		}
		log.Debugf("%s is gone", p)
		if err := ix.RemoveFile(p); err != nil {
			log.Warningf("failed to remove %s: %s", p, err)
		}
	}
	log.Infof("indexed %d files below %s in %s", indexed, root, time.Since(start))
	return indexed, nil
}

// Analyze runs the checks over a parsed document. Variables are checked
// once every mandatory include of the document is known and the document
// is part of an include chain.
func (ix *Indexer) Analyze(file resolver.File, root *sitter.Node, source []byte, disabled []string) []analysis.Diagnostic {
	links, _ := ix.cache.GetForwardLinks(file.CachePath)
	backlinks, _ := ix.cache.GetBackLinks(file.CachePath)

	resolved := len(links)+len(backlinks) > 0
	for _, l := range links {
		if !l.Optional && !ix.cache.NoteExists(l.Target) {
			resolved = false
			break
		}
	}

	return analysis.Analyze(root, source, analysis.Options{
		Disabled:         disabled,
		File:             &file,
		Variables:        ix.cache.VisibleVariables(file.CachePath),
		ResolveVariables: resolved,
	})
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
