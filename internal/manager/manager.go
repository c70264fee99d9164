package manager

import (
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/sitteradapter"
)

var log = commonlog.GetLogger("apparmor.manager")

// DocumentManager encapsulates parser and document state for each open URI.
type DocumentManager struct {
	mu      sync.Mutex
	parsers map[string]*parser.Parser
	docs    map[string][]byte
	// parsed is false after an edit until the document is parsed again.
	parsed map[string]bool
}

// NewDocumentManager creates an initialized DocumentManager.
func NewDocumentManager() *DocumentManager {
	return &DocumentManager{
		parsers: make(map[string]*parser.Parser),
		docs:    make(map[string][]byte),
		parsed:  make(map[string]bool),
	}
}

// EnsureParser returns the parser for a URI, creating it if needed.
func (dm *DocumentManager) EnsureParser(uri string) (*parser.Parser, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.ensureParser(uri)
}

func (dm *DocumentManager) ensureParser(uri string) (*parser.Parser, error) {
	if p, ok := dm.parsers[uri]; ok && p != nil {
		return p, nil
	}

	p, err := parser.NewParser()
	if err != nil {
		return nil, fmt.Errorf("failed to create parser for %s: %w", uri, err)
	}
	dm.parsers[uri] = p
	return p, nil
}

// GetDocument returns the current document bytes for a URI.
func (dm *DocumentManager) GetDocument(uri string) ([]byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	doc, ok := dm.docs[uri]
	if !ok {
		return nil, fmt.Errorf("document not loaded for %s", uri)
	}
	return doc, nil
}

// UpdateDocument replaces the document bytes for a URI. The old tree is
// dropped since nothing describes how the text changed.
func (dm *DocumentManager) UpdateDocument(uri string, content []byte) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.docs[uri] = content
	dm.parsed[uri] = false
	if p, ok := dm.parsers[uri]; ok {
		p.Close()
		delete(dm.parsers, uri)
	}
}

// ApplyIncrementalEdit applies a Tree-sitter edit and updates stored bytes.
func (dm *DocumentManager) ApplyIncrementalEdit(
	uri string,
	change protocol.TextDocumentContentChangeEvent,
) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	oldDoc, ok := dm.docs[uri]
	if !ok {
		return fmt.Errorf("no document for %s", uri)
	}

	if p, ok := dm.parsers[uri]; ok {
		tsEdit := sitteradapter.CreateTSEditAdapter(change, string(oldDoc))
		if err := p.Update(tsEdit); err != nil {
			// no tree yet: the next parse starts from scratch
			log.Debugf("edit of %s before first parse: %s", uri, err)
		}
	}

	newText := sitteradapter.ApplyTextEdit(change, string(oldDoc))
	dm.docs[uri] = []byte(newText)
	dm.parsed[uri] = false
	return nil
}

// GetTree returns the syntax tree of the current text, parsing it if an
// edit happened since the last parse.
func (dm *DocumentManager) GetTree(uri string) (*sitter.Tree, []byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	p, err := dm.parse(uri)
	if err != nil {
		return nil, nil, err
	}
	tree, source := p.Tree()
	if tree == nil {
		return nil, nil, fmt.Errorf("no tree for %s", uri)
	}
	return tree, source, nil
}

func (dm *DocumentManager) parse(uri string) (*parser.Parser, error) {
	doc, ok := dm.docs[uri]
	if !ok {
		return nil, fmt.Errorf("document not loaded for %s", uri)
	}
	p, err := dm.ensureParser(uri)
	if err != nil {
		return nil, err
	}
	if !dm.parsed[uri] {
		if err := p.Parse(doc); err != nil {
			return nil, err
		}
		dm.parsed[uri] = true
	}
	return p, nil
}

// GetIncludes runs the full parse → query → extract pipeline.
func (dm *DocumentManager) GetIncludes(uri string, queryString string) ([]cache.Link, error) {
	dm.mu.Lock()
	p, err := dm.parse(uri)
	if err != nil {
		dm.mu.Unlock()
		return nil, err
	}
	matches, err := p.Query([]byte(queryString))
	_, doc := p.Tree()
	dm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	file, err := resolver.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return resolver.ExtractIncludes(file, parser.Captured(matches, "target"), doc), nil
}

// Release frees parser and document for a URI.
func (dm *DocumentManager) Release(uri string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if p, ok := dm.parsers[uri]; ok {
		p.Close()
	}
	delete(dm.parsers, uri)
	delete(dm.docs, uri)
	delete(dm.parsed, uri)
}

// URIs lists the open documents.
func (dm *DocumentManager) URIs() []string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	uris := make([]string, 0, len(dm.docs))
	for uri := range dm.docs {
		uris = append(uris, uri)
	}
	return uris
}

// CloseAll cleans up all parsers.
func (dm *DocumentManager) CloseAll() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for uri, p := range dm.parsers {
		if err := p.Close(); err != nil {
			return fmt.Errorf("error closing parser for %s: %w", uri, err)
		}
	}
	dm.parsers = make(map[string]*parser.Parser)
	dm.docs = make(map[string][]byte)
	dm.parsed = make(map[string]bool)
	return nil
}
