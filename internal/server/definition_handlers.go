package server

import (
	"context"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/sitteradapter"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
)

func (s *Server) textDocumentDefinition(
	context *glsp.Context,
	params *protocol.DefinitionParams,
) (any, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	tree, doc, err := s.manager.GetTree(file.URI)
	if err != nil {
		return nil, err
	}
	pos := params.Position

	// include → file
	links, err := s.cache.GetForwardLinks(file.CachePath)
	if err != nil {
		return nil, err
	}
	var locations []protocol.Location
	for _, l := range links {
		for _, r := range l.Ranges {
			if !sitteradapter.Contains(r, pos) {
				continue
			}
			target, err := resolver.Resolve(l.Target)
			if err != nil {
				continue
			}
			if _, err := os.Stat(target.AbsolutePath); err != nil {
				// let the client create the file
				context.Notify(
					protocol.ServerWindowShowDocument,
					protocol.ShowDocumentParams{URI: target.URI, External: &protocol.False},
				)
				continue
			}
			locations = append(locations, protocol.Location{URI: target.URI})
			break
		}
	}
	if len(locations) > 0 {
		return locations, nil
	}

	root := tree.RootNode()
	pt := sitteradapter.LSPPositionToPoint(pos, string(doc))

	// @{variable} → assignments
	if name, ok := variableAt(root, doc, pt); ok {
		return s.variableDefinitions(name), nil
	}

	// -> target → profile
	for n := root.NamedDescendantForPointRange(pt, pt); n != nil; n = n.Parent() {
		if parser.FieldName(n) == "target" {
			return s.profileDefinitions(file, root, doc, targetName(n, doc), pt), nil
		}
	}
	return nil, nil
}

func (s *Server) textDocumentReferences(
	context *glsp.Context,
	params *protocol.ReferenceParams,
) ([]protocol.Location, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}

	if tree, doc, err := s.manager.GetTree(file.URI); err == nil {
		root := tree.RootNode()
		pt := sitteradapter.LSPPositionToPoint(params.Position, string(doc))
		if name, ok := variableAt(root, doc, pt); ok {
			var locations []protocol.Location
			for _, ref := range symbols.References(root, doc) {
				if ref.Name == name {
					locations = append(locations, protocol.Location{
						URI:   file.URI,
						Range: sitteradapter.RangeToLSP(ref.Range, string(doc)),
					})
				}
			}
			return locations, nil
		}
	}

	refs, err := s.cache.GetBackLinks(file.CachePath)
	if err != nil {
		return nil, err
	}

	var locations []protocol.Location
	for _, ref := range refs {
		source, err := resolver.Resolve(ref.Source)
		if err != nil {
			continue
		}
		for _, r := range ref.Ranges {
			locations = append(locations, protocol.Location{URI: source.URI, Range: r})
		}
	}
	return locations, nil
}

// loadDocument returns the parsed text of a file, preferring the open
// document over the disk.
func (s *Server) loadDocument(path cache.Path) (resolver.File, *sitter.Tree, []byte, error) {
	file, err := resolver.Resolve(path)
	if err != nil {
		return resolver.File{}, nil, nil, err
	}
	if tree, doc, err := s.manager.GetTree(file.URI); err == nil {
		return file, tree, doc, nil
	}
	doc, err := os.ReadFile(file.AbsolutePath)
	if err != nil {
		return file, nil, nil, err
	}
	tree, err := s.pool.ParseTree(s.ctx, doc)
	if err != nil {
		return file, nil, nil, err
	}
	return file, tree, doc, nil
}

// variableAt returns the variable referenced or assigned at pt.
func variableAt(root *sitter.Node, source []byte, pt sitter.Point) (string, bool) {
	for _, ref := range symbols.References(root, source) {
		if covers(ref.Range, pt) {
			return ref.Name, true
		}
	}
	for _, v := range symbols.Variables(root, source) {
		if covers(v.Range, pt) {
			return v.Name, true
		}
	}
	return "", false
}

func (s *Server) variableDefinitions(name string) []protocol.Location {
	var locations []protocol.Location
	for _, path := range s.cache.GetPaths() {
		meta, err := s.cache.GetMeta(path)
		if err != nil || !contains(meta.Variables, name) {
			continue
		}
		file, tree, doc, err := s.loadDocument(path)
		if err != nil {
			continue
		}
		for _, v := range symbols.Variables(tree.RootNode(), doc) {
			if v.Name == name {
				locations = append(locations, protocol.Location{
					URI:   file.URI,
					Range: sitteradapter.RangeToLSP(v.Range, string(doc)),
				})
			}
		}
	}
	return locations
}

// profileDefinitions finds the profile a transition names, trying a child
// of the enclosing profile before a top level profile.
func (s *Server) profileDefinitions(file resolver.File, root *sitter.Node, doc []byte, name string, pt sitter.Point) []protocol.Location {
	local := symbols.Profiles(root, doc)
	candidates := []string{name}
	for i := len(local) - 1; i >= 0; i-- {
		if covers(local[i].Range, pt) {
			candidates = []string{local[i].FullName + "//" + name, name}
			break
		}
	}

	for _, want := range candidates {
		for _, p := range local {
			if p.FullName == want {
				return []protocol.Location{{URI: file.URI, Range: sitteradapter.RangeToLSP(p.Selection, string(doc))}}
			}
		}
	}

	var locations []protocol.Location
	for _, want := range candidates {
		for _, path := range s.cache.FindProfile(want) {
			if path == file.CachePath {
				continue
			}
			target, tree, text, err := s.loadDocument(path)
			if err != nil {
				continue
			}
			for _, p := range symbols.Profiles(tree.RootNode(), text) {
				if p.FullName == want {
					locations = append(locations, protocol.Location{
						URI:   target.URI,
						Range: sitteradapter.RangeToLSP(p.Selection, string(text)),
					})
				}
			}
		}
		if len(locations) > 0 {
			break
		}
	}
	return locations
}

func covers(r sitter.Range, pt sitter.Point) bool {
	after := pt.Row > r.StartPoint.Row || pt.Row == r.StartPoint.Row && pt.Column >= r.StartPoint.Column
	before := pt.Row < r.EndPoint.Row || pt.Row == r.EndPoint.Row && pt.Column <= r.EndPoint.Column
	return after && before
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// targetName returns the profile a transition target names, without the
// rule's trailing comma or quotes.
func targetName(n *sitter.Node, source []byte) string {
	from, to := parser.Trimmed(n, source)
	return strings.Trim(n.Content(source)[from:to], `"`)
}

type symbolEntry struct {
	name      string
	kind      protocol.SymbolKind
	path      cache.Path
	line      uint32
	container string
}

func (s *Server) workspaceSymbol(
	context *glsp.Context,
	params *protocol.WorkspaceSymbolParams,
) ([]protocol.SymbolInformation, error) {
	maxResults := 128
	entries := s.symbolEntries()

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}

	var hits []int
	if params.Query == "" {
		for i := range entries {
			if i == maxResults {
				break
			}
			hits = append(hits, i)
		}
	} else {
		k := 2 // tolerate up to 2 typos
		hits = filterByBitapFuzzyParallel(params.Query, names, k, maxResults)
	}

	symbolInfos := make([]protocol.SymbolInformation, 0, len(hits))
	for _, i := range hits {
		e := entries[i]
		file, err := resolver.Resolve(e.path)
		if err != nil {
			continue
		}
		info := protocol.SymbolInformation{
			Name: e.name,
			Kind: e.kind,
			Location: protocol.Location{
				URI: file.URI,
				Range: protocol.Range{
					Start: protocol.Position{Line: e.line},
					End:   protocol.Position{Line: e.line},
				},
			},
		}
		if e.container != "" {
			container := e.container
			info.ContainerName = &container
		}
		symbolInfos = append(symbolInfos, info)
	}
	return symbolInfos, nil
}

// symbolEntries lists profiles and files. Names come from the cache,
// which includes unsaved edits, and lines from the index.
func (s *Server) symbolEntries() []symbolEntry {
	type key struct{ path, name string }
	lines := map[key]uint32{}
	hats := map[key]bool{}
	if s.db != nil {
		records, err := s.db.FindProfiles("")
		if err != nil {
			log.Warningf("profile lookup failed: %s", err)
		}
		for _, r := range records {
			lines[key{r.Path, r.Name}] = r.Line
			hats[key{r.Path, r.Name}] = r.Hat
		}
	}

	var entries []symbolEntry
	for _, path := range s.cache.GetPaths() {
		if !s.cache.NoteExists(path) {
			continue
		}
		meta, _ := s.cache.GetMeta(path)
		for _, name := range meta.Profiles {
			kind := protocol.SymbolKindClass
			if hats[key{path, name}] {
				kind = protocol.SymbolKindMethod
			}
			entries = append(entries, symbolEntry{
				name:      name,
				kind:      kind,
				path:      path,
				line:      lines[key{path, name}],
				container: path,
			})
		}
		entries = append(entries, symbolEntry{name: path, kind: protocol.SymbolKindFile, path: path})
	}
	return entries
}

// filterByBitapFuzzyParallel returns the indexes of the texts matching
// pattern with at most k errors, in input order.
func filterByBitapFuzzyParallel(pattern string, texts []string, k, maxHits int) []int {
	if utf8.RuneCountInString(pattern) == 0 {
		return nil
	}

	patternRunes := []rune(strings.ToLower(pattern))
	m := len(patternRunes)
	if m > 63 {
		patternRunes = patternRunes[:63]
		m = 63
	}
	if k >= m {
		k = m - 1
	}

	var masks [128]uint64
	for i, r := range patternRunes {
		if r < 128 {
			masks[r] |= 1 << uint(i)
		}
	}

	highest := uint64(1) << uint(m-1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var hits []int
	var hitCount int32

	sem := make(chan struct{}, runtime.GOMAXPROCS(0))

	for i, text := range texts {
		if atomic.LoadInt32(&hitCount) >= int32(maxHits) || ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(i int, text string) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			if bitapFuzzyMatch(strings.ToLower(text), masks, highest, k) {
				count := atomic.AddInt32(&hitCount, 1)
				if count <= int32(maxHits) {
					mu.Lock()
					hits = append(hits, i)
					mu.Unlock()
					if count == int32(maxHits) {
						cancel()
					}
				}
			}
		}(i, text)
	}
	wg.Wait()

	sort.Ints(hits)
	return hits
}

// bitapFuzzyMatch returns true if pattern appears in text with at most k errors
func bitapFuzzyMatch(text string, masks [128]uint64, highest uint64, k int) bool {
	r := make([]uint64, k+1)

	for _, cr := range text {
		var charMask uint64
		if cr < 128 {
			charMask = masks[cr]
		}

		// Update R[0]
		prev := r[0]
		r[0] = ((r[0] << 1) | 1) & charMask

		// Update R[d] for 1..k errors
		for d := 1; d <= k; d++ {
			old := r[d]
			// match | substitution | insertion | deletion
			r[d] = (((old << 1) | 1) & charMask) | ((prev << 1) | 1) | prev | ((r[d-1] << 1) | 1)
			prev = old
		}

		// If any R[d] has bit (m-1) set, match within d errors
		for d := 0; d <= k; d++ {
			if (r[d] & highest) != 0 {
				return true
			}
		}
	}
	return false
}
