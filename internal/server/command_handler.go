package server

import (
	"fmt"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/graph"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/scheduler"
)

func (s *Server) workspaceExecuteCommand(
	context *glsp.Context,
	params *protocol.ExecuteCommandParams,
) (any, error) {
	switch params.Command {
	case CommandGraph:
		url, err := s.showGraph()
		if err != nil {
			return nil, err
		}
		context.Notify(
			protocol.ServerWindowShowDocument,
			protocol.ShowDocumentParams{
				URI:      protocol.URI(url),
				External: &protocol.True,
			},
		)
		return url, nil

	case CommandReindex:
		return nil, s.scheduler.ScheduleHighPriorityTask(scheduler.Task{
			Name:    "reindex",
			Execute: s.reindex,
		})
	}
	return nil, fmt.Errorf("unknown command %q", params.Command)
}

// showGraph starts the include graph view on first use and returns its
// address.
func (s *Server) showGraph() (string, error) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	if s.graph != nil {
		return s.graphURL, nil
	}

	g := graph.NewServer()
	url, err := g.Start(s.config.GraphAddr)
	if err != nil {
		return "", err
	}
	if err := g.Follow(s.ctx, s.cache); err != nil {
		g.Close()
		return "", err
	}
	log.Infof("include graph at %s", url)
	s.graph, s.graphURL = g, url
	return url, nil
}
