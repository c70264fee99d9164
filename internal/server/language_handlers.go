package server

import (
	"fmt"
	"strings"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/sitteradapter"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
)

func (s *Server) textDocumentDocumentSymbol(
	context *glsp.Context,
	params *protocol.DocumentSymbolParams,
) (any, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	tree, doc, err := s.manager.GetTree(file.URI)
	if err != nil {
		return nil, err
	}
	return toDocumentSymbols(symbols.Outline(tree.RootNode(), doc), string(doc)), nil
}

func toDocumentSymbols(syms []symbols.Symbol, document string) []protocol.DocumentSymbol {
	out := make([]protocol.DocumentSymbol, 0, len(syms))
	for _, sym := range syms {
		ds := protocol.DocumentSymbol{
			Name:           sym.Name,
			Kind:           sym.Kind,
			Range:          sitteradapter.RangeToLSP(sym.Range, document),
			SelectionRange: sitteradapter.RangeToLSP(sym.Selection, document),
			Children:       toDocumentSymbols(sym.Children, document),
		}
		if sym.Detail != "" {
			detail := sym.Detail
			ds.Detail = &detail
		}
		out = append(out, ds)
	}
	return out
}

func (s *Server) textDocumentFoldingRange(
	context *glsp.Context,
	params *protocol.FoldingRangeParams,
) ([]protocol.FoldingRange, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	tree, _, err := s.manager.GetTree(file.URI)
	if err != nil {
		return nil, err
	}

	folds := symbols.FoldingRanges(tree.RootNode())
	out := make([]protocol.FoldingRange, 0, len(folds))
	for _, f := range folds {
		fr := protocol.FoldingRange{StartLine: f.StartLine, EndLine: f.EndLine}
		if f.Kind != "" {
			kind := string(f.Kind)
			fr.Kind = &kind
		}
		out = append(out, fr)
	}
	return out, nil
}

func (s *Server) textDocumentDocumentLink(
	context *glsp.Context,
	params *protocol.DocumentLinkParams,
) ([]protocol.DocumentLink, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	links, err := s.cache.GetForwardLinks(file.CachePath)
	if err != nil {
		return nil, err
	}

	var out []protocol.DocumentLink
	for _, l := range links {
		target, err := resolver.Resolve(l.Target)
		if err != nil {
			continue
		}
		uri := target.URI
		tooltip := target.AbsolutePath
		for _, r := range l.Ranges {
			out = append(out, protocol.DocumentLink{Range: r, Target: &uri, Tooltip: &tooltip})
		}
	}
	return out, nil
}

func (s *Server) textDocumentHover(
	context *glsp.Context,
	params *protocol.HoverParams,
) (*protocol.Hover, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	tree, doc, err := s.manager.GetTree(file.URI)
	if err != nil {
		return nil, err
	}
	pos := params.Position

	if links, err := s.cache.GetForwardLinks(file.CachePath); err == nil {
		for _, l := range links {
			for _, r := range l.Ranges {
				if !sitteradapter.Contains(r, pos) {
					continue
				}
				text := fmt.Sprintf("include `%s`", l.Target)
				if !s.cache.NoteExists(l.Target) {
					text += "\n\nnot found"
				}
				return markdownHover(text, r), nil
			}
		}
	}

	root := tree.RootNode()
	pt := sitteradapter.LSPPositionToPoint(pos, string(doc))

	if name, ok := variableAt(root, doc, pt); ok {
		text := s.variableText(name)
		for _, ref := range symbols.References(root, doc) {
			if ref.Name == name && covers(ref.Range, pt) {
				return markdownHover(text, sitteradapter.RangeToLSP(ref.Range, string(doc))), nil
			}
		}
		return &protocol.Hover{Contents: protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: text}}, nil
	}

	text, r, ok := describe(root, doc, pt)
	if !ok {
		return nil, nil
	}
	return markdownHover(text, sitteradapter.RangeToLSP(r, string(doc))), nil
}

// variableText lists the values assigned to a variable across the
// workspace.
func (s *Server) variableText(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", name)
	found := false
	for _, path := range s.cache.GetPaths() {
		meta, err := s.cache.GetMeta(path)
		if err != nil || !contains(meta.Variables, name) {
			continue
		}
		_, tree, doc, err := s.loadDocument(path)
		if err != nil {
			continue
		}
		for _, v := range symbols.Variables(tree.RootNode(), doc) {
			if v.Name != name {
				continue
			}
			op := "="
			if v.Append {
				op = "+="
			}
			fmt.Fprintf(&b, "\n\n`%s %s` in %s", op, strings.Join(v.Values, " "), path)
			found = true
		}
	}
	if !found {
		b.WriteString("\n\nnot defined in the workspace")
	}
	return b.String()
}

func markdownHover(text string, r protocol.Range) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: text},
		Range:    &r,
	}
}

func (s *Server) textDocumentCompletion(
	context *glsp.Context,
	params *protocol.CompletionParams,
) (any, error) {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	doc, err := s.manager.GetDocument(file.URI)
	if err != nil {
		return nil, err
	}

	offset, _ := sitteradapter.PositionToOffset(string(doc), params.Position)
	start := strings.LastIndexByte(string(doc[:offset]), '\n') + 1
	line := string(doc[start:offset])

	return protocol.CompletionList{
		IsIncomplete: false,
		Items:        complete(line, s.cache.VisibleVariables(file.CachePath)),
	}, nil
}
