package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/analysis"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/scanner"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

var errFindings = errors.New("policy has errors")

// Finding is a diagnostic located in a file.
type Finding struct {
	Path     string `json:"path" yaml:"path"`
	Line     uint32 `json:"line" yaml:"line"`
	Column   uint32 `json:"column" yaml:"column"`
	Check    string `json:"check" yaml:"check"`
	Severity string `json:"severity" yaml:"severity"`
	Message  string `json:"message" yaml:"message"`
}

var checkCmd = &cobra.Command{
	Use:   "check PATH...",
	Short: "Report problems in policy files",
	Long: `Check parses the given files, or every policy file below the given
directories, and reports problems. Includes are resolved against the
configured search paths. The exit status is non-zero when an error was
found.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		jobs, _ := cmd.Flags().GetInt("jobs")
		if jobs < 1 {
			jobs = 1
		}
		cfg, err := configure()
		if err != nil {
			return err
		}

		pool, err := parser.NewParserPool(jobs)
		if err != nil {
			return err
		}
		defer pool.Close()
		ix := workspace.NewIndexer(cache.NewCache(), nil, pool, cfg.IncludeQuery)

		findings, err := check(cmd.Context(), ix, args, cfg.DisabledChecks, jobs)
		if err != nil {
			return err
		}
		if err := writeFindings(cmd.OutOrStdout(), format, findings); err != nil {
			return err
		}
		for _, f := range findings {
			if f.Severity == "error" {
				return errFindings
			}
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().String("format", "text", "output format: text, json or yaml")
	checkCmd.Flags().IntP("jobs", "j", 4, "files checked in parallel")
}

// check indexes the search paths and the given paths so that includes and
// variables resolve, then analyzes the files named by paths.
func check(ctx context.Context, ix *workspace.Indexer, paths []string, disabled []string, jobs int) ([]Finding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sp := range resolver.SearchPaths() {
		if _, err := os.Stat(sp); err != nil {
			continue
		}
		if _, err := ix.IndexTree(ctx, sp); err != nil {
			return nil, err
		}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			// files named directly may sit outside the search paths
			doc, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			if _, err := ix.IndexFile(ctx, p, doc, info.ModTime()); err != nil {
				return nil, err
			}
			files = append(files, p)
			continue
		}
		if _, err := ix.IndexTree(ctx, p); err != nil {
			return nil, err
		}
		err = scanner.Scan(ctx, p, nil, func(path string, _ []byte) {
			files = append(files, path)
		})
		if err != nil {
			return nil, err
		}
	}

	var mu sync.Mutex
	var findings []Finding
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, f := range files {
		f := f
		g.Go(func() error {
			doc, err := os.ReadFile(f)
			if err != nil {
				return err
			}
			d, err := ix.Parse(gctx, f, doc)
			if err != nil {
				return err
			}
			diags := ix.Analyze(d.File, d.Tree.RootNode(), doc, disabled)
			mu.Lock()
			defer mu.Unlock()
			for _, diag := range diags {
				findings = append(findings, toFinding(f, diag))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
	return findings, nil
}

func toFinding(path string, d analysis.Diagnostic) Finding {
	return Finding{
		Path:     path,
		Line:     d.Range.StartPoint.Row + 1,
		Column:   d.Range.StartPoint.Column + 1,
		Check:    d.Check,
		Severity: severityName(d.Severity),
		Message:  d.Message,
	}
}

func severityName(s protocol.DiagnosticSeverity) string {
	switch s {
	case protocol.DiagnosticSeverityError:
		return "error"
	case protocol.DiagnosticSeverityWarning:
		return "warning"
	case protocol.DiagnosticSeverityInformation:
		return "info"
	default:
		return "hint"
	}
}

func writeFindings(w io.Writer, format string, findings []Finding) error {
	if findings == nil {
		findings = []Finding{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(findings)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(findings); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		for _, f := range findings {
			fmt.Fprintf(w, "%s:%d:%d: %s: %s [%s]\n", f.Path, f.Line, f.Column, f.Severity, f.Message, f.Check)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}
