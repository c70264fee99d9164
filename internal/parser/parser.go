package parser

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/tliron/commonlog"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
)

var log = commonlog.GetLogger("apparmor.parser")

// IncludeQuery captures the path of every include statement as @target.
// "#include" lines lex as comments, so those are captured whole.
const IncludeQuery = `(include_line path: (_) @target)
((comment) @target (#match? @target "^#include[ \t]"))`

// Match is a single capture produced by running a query against a tree.
type Match struct {
	Capture string
	Node    *sitter.Node
	Range   sitter.Range
	Content string
}

var (
	queriesMu sync.Mutex
	queries   = map[string]*sitter.Query{}
)

// compile returns the compiled form of src, reusing earlier compilations.
// Compiled queries are immutable and shared between cursors.
func compile(src []byte) (*sitter.Query, error) {
	queriesMu.Lock()
	defer queriesMu.Unlock()

	if q, ok := queries[string(src)]; ok {
		return q, nil
	}
	q, err := sitter.NewQuery(src, grammar.Language())
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	queries[string(src)] = q
	return q, nil
}

// CheckQuery reports whether q compiles against the AppArmor grammar.
func CheckQuery(q []byte) error {
	_, err := compile(q)
	return err
}

func executeQuery(root *sitter.Node, q []byte, source []byte) ([]Match, error) {
	compiled, err := compile(q)
	if err != nil {
		return nil, err
	}
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(compiled, root)

	var matches []Match
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		m = qc.FilterPredicates(m, source)
		for _, c := range m.Captures {
			matches = append(matches, Match{
				Capture: compiled.CaptureNameForId(c.Index),
				Node:    c.Node,
				Range:   c.Node.Range(),
				Content: c.Node.Content(source),
			})
		}
	}
	return matches, nil
}

// QueryTree runs q against a tree that was parsed from source.
func QueryTree(tree *sitter.Tree, source []byte, q []byte) ([]Match, error) {
	return executeQuery(tree.RootNode(), q, source)
}

// Captured returns the nodes of all matches captured under name.
func Captured(matches []Match, name string) []*sitter.Node {
	var nodes []*sitter.Node
	for _, m := range matches {
		if m.Capture == name {
			nodes = append(nodes, m.Node)
		}
	}
	return nodes
}

// Parser holds the syntax tree of one document between edits.
type Parser struct {
	parser *sitter.Parser
	tree   *sitter.Tree
	source []byte
	mu     sync.Mutex
}

// NewParser creates a Parser with no document. It fails when the include
// query does not compile against the linked grammar.
func NewParser() (*Parser, error) {
	if err := CheckQuery([]byte(IncludeQuery)); err != nil {
		return nil, fmt.Errorf("failed to compile include query: %w", err)
	}
	p := sitter.NewParser()
	p.SetLanguage(grammar.Language())
	return &Parser{parser: p}, nil
}

// Parse parses document, reusing the unchanged part of the previous tree
// when edits were recorded with Update.
func (p *Parser) Parse(document []byte) error {
	return p.ParseCtx(context.Background(), document)
}

func (p *Parser) ParseCtx(ctx context.Context, document []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.parser == nil {
		return fmt.Errorf("parser is closed")
	}
	tree, err := p.parser.ParseCtx(ctx, p.tree, document)
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	p.tree = tree
	p.source = document
	return nil
}

// Update records edits against the current tree. The next call to Parse
// uses them to reuse the unchanged parts. Trees returned earlier by Tree
// are not modified.
func (p *Parser) Update(edits ...sitter.EditInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tree == nil {
		return fmt.Errorf("no tree available to update")
	}
	edited := p.tree.Copy()
	for _, e := range edits {
		edited.Edit(e)
	}
	p.tree = edited
	return nil
}

// Query runs query against the last parsed tree.
func (p *Parser) Query(q []byte) ([]Match, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tree == nil {
		return nil, fmt.Errorf("no parsed tree available; first parse a document")
	}
	return executeQuery(p.tree.Copy().RootNode(), q, p.source)
}

// Tree returns a copy of the last parsed tree and the source it was parsed
// from. Each copy may be used by one goroutine.
func (p *Parser) Tree() (*sitter.Tree, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree == nil {
		return nil, p.source
	}
	return p.tree.Copy(), p.source
}

func (p *Parser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree != nil {
		p.tree.Close()
		p.tree = nil
	}
	if p.parser != nil {
		p.parser.Close()
		p.parser = nil
	}
	p.source = nil
	return nil
}

// ParserPool bounds the number of concurrent one-time parses.
type ParserPool struct {
	pool chan *Parser
}

func NewParserPool(n int) (*ParserPool, error) {
	if n < 1 {
		n = 1
	}
	pp := &ParserPool{pool: make(chan *Parser, n)}
	for i := 0; i < n; i++ {
		p, err := NewParser()
		if err != nil {
			pp.Close()
			return nil, err
		}
		pp.pool <- p
	}
	return pp, nil
}

// ParseTree parses document with a parser borrowed from the pool.
func (pp *ParserPool) ParseTree(ctx context.Context, document []byte) (*sitter.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p *Parser
	select {
	case p = <-pp.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { pp.pool <- p }()

	// One-time parses never reuse an old tree.
	p.mu.Lock()
	p.tree = nil
	p.mu.Unlock()

	if err := p.ParseCtx(ctx, document); err != nil {
		return nil, err
	}
	tree, _ := p.Tree()
	return tree, nil
}

// ParseAndQuery parses document and runs query over the fresh tree.
func (pp *ParserPool) ParseAndQuery(document []byte, q []byte) ([]Match, error) {
	tree, err := pp.ParseTree(context.Background(), document)
	if err != nil {
		return nil, err
	}
	matches, err := executeQuery(tree.RootNode(), q, document)
	if err != nil {
		log.Errorf("query failed: %s", err)
		return nil, err
	}
	return matches, nil
}

// Close releases all parsers. The pool must not be used afterwards.
func (pp *ParserPool) Close() error {
	close(pp.pool)
	for p := range pp.pool {
		p.Close()
	}
	return nil
}
