package server

import (
	"fmt"
	"time"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/analysis"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/sitteradapter"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

func (s *Server) textDocumentDidOpen(
	context *glsp.Context,
	params *protocol.DidOpenTextDocumentParams,
) error {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return err
	}
	s.manager.UpdateDocument(file.URI, []byte(params.TextDocument.Text))
	return s.refresh(file, false)
}

func (s *Server) textDocumentDidChange(
	context *glsp.Context,
	params *protocol.DidChangeTextDocumentParams,
) error {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return err
	}
	for _, raw := range params.ContentChanges {
		switch change := raw.(type) {
		case protocol.TextDocumentContentChangeEvent:
			if err := s.manager.ApplyIncrementalEdit(file.URI, change); err != nil {
				return fmt.Errorf("unexpected error during edit: %w", err)
			}
		case protocol.TextDocumentContentChangeEventWhole:
			s.manager.UpdateDocument(file.URI, []byte(change.Text))
		default:
			return fmt.Errorf("unexpected change event type %T", raw)
		}
	}
	return s.refresh(file, false)
}

func (s *Server) textDocumentDidSave(
	context *glsp.Context,
	params *protocol.DidSaveTextDocumentParams,
) error {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return err
	}
	if params.Text != nil {
		s.manager.UpdateDocument(file.URI, []byte(*params.Text))
	}
	if err := s.refresh(file, true); err != nil {
		return err
	}
	// includers and included files may see different variables now
	s.publishOpen()
	return nil
}

func (s *Server) textDocumentDidClose(
	context *glsp.Context,
	params *protocol.DidCloseTextDocumentParams,
) error {
	file, err := resolver.Resolve(params.TextDocument.URI)
	if err != nil {
		return err
	}
	if err := s.cache.DiscardNote(file.CachePath); err != nil {
		log.Debugf("discard %s: %s", file.CachePath, err)
	}
	s.manager.Release(file.URI)
	s.publish(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         file.URI,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// refresh updates the cache from the open document and publishes its
// diagnostics. Saved documents are also written to the index.
func (s *Server) refresh(file resolver.File, save bool) error {
	tree, doc, err := s.manager.GetTree(file.URI)
	if err != nil {
		return err
	}

	if save {
		if _, err := s.indexer.IndexFile(s.ctx, file.AbsolutePath, doc, time.Now()); err != nil {
			return err
		}
	} else {
		links, err := s.manager.GetIncludes(file.URI, s.config.IncludeQuery)
		if err != nil {
			return err
		}
		root := tree.RootNode()
		meta := workspace.Meta(symbols.Profiles(root, doc), symbols.Variables(root, doc))
		if err := s.cache.EditNote(file.CachePath, links, meta); err != nil {
			return err
		}
	}

	diags := s.indexer.Analyze(file, tree.RootNode(), doc, s.config.DisabledChecks)
	s.publish(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         file.URI,
		Diagnostics: toProtocolDiagnostics(diags, string(doc)),
	})
	return nil
}

// publishOpen republishes the diagnostics of every open document.
func (s *Server) publishOpen() {
	for _, uri := range s.manager.URIs() {
		file, err := resolver.Resolve(uri)
		if err != nil {
			continue
		}
		tree, doc, err := s.manager.GetTree(uri)
		if err != nil {
			continue
		}
		diags := s.indexer.Analyze(file, tree.RootNode(), doc, s.config.DisabledChecks)
		s.publish(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
			URI:         file.URI,
			Diagnostics: toProtocolDiagnostics(diags, string(doc)),
		})
	}
}

func toProtocolDiagnostics(diags []analysis.Diagnostic, document string) []protocol.Diagnostic {
	source := lsName
	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		severity := d.Severity
		out = append(out, protocol.Diagnostic{
			Range:    sitteradapter.RangeToLSP(d.Range, document),
			Severity: &severity,
			Code:     &protocol.IntegerOrString{Value: d.Check},
			Source:   &source,
			Message:  d.Message,
		})
	}
	return out
}
