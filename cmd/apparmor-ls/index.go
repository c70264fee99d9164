package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache/database"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/graph"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/watcher"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

const defaultDB = "apparmor-index.db"

func argOrRoot(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return resolver.Root()
}

// signalContext is cancelled on interrupt.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Print the syntax tree of a policy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _ := cmd.Flags().GetString("query")
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		pool, err := parser.NewParserPool(1)
		if err != nil {
			return err
		}
		defer pool.Close()

		tree, err := pool.ParseTree(context.Background(), doc)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if q == "" {
			fmt.Fprintln(out, tree.RootNode().String())
			return nil
		}
		matches, err := parser.QueryTree(tree, doc, []byte(q))
		if err != nil {
			return err
		}
		for _, m := range matches {
			fmt.Fprintf(out, "%d:%d-%d:%d\t@%s\t%s\n",
				m.Range.StartPoint.Row+1, m.Range.StartPoint.Column+1,
				m.Range.EndPoint.Row+1, m.Range.EndPoint.Column+1,
				m.Capture, m.Content)
		}
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index [PATH]",
	Short: "Write the profiles and includes of a policy tree to a database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		reset, _ := cmd.Flags().GetBool("clear")
		cfg, err := configure()
		if err != nil {
			return err
		}

		db, err := database.NewSQLiteDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if reset {
			if err := db.Clear(); err != nil {
				return err
			}
		}

		pool, err := parser.NewParserPool(4)
		if err != nil {
			return err
		}
		defer pool.Close()
		ix := workspace.NewIndexer(cache.NewCache(), db, pool, cfg.IncludeQuery)

		ctx, cancel := signalContext(cmd)
		defer cancel()
		start := time.Now()
		n, err := ix.IndexTree(ctx, argOrRoot(args))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d files into %s in %s\n", n, dbPath, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles [PATTERN]",
	Short: "List indexed profiles whose name contains PATTERN",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		pattern := ""
		if len(args) > 0 {
			pattern = args[0]
		}
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("no index at %s, run index first", dbPath)
		}
		db, err := database.NewSQLiteDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		profiles, err := db.FindProfiles(pattern)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tATTACHMENT\tLOCATION")
		for _, p := range profiles {
			name := p.Name
			if p.Hat {
				name = "^" + name
			}
			fmt.Fprintf(w, "%s\t%s\t%s:%d\n", name, p.Attachment, p.Path, p.Line+1)
		}
		return w.Flush()
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump [PATH]",
	Short: "Print the include graph of a policy tree as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configure()
		if err != nil {
			return err
		}
		pool, err := parser.NewParserPool(4)
		if err != nil {
			return err
		}
		defer pool.Close()
		c := cache.NewCache()
		ix := workspace.NewIndexer(c, nil, pool, cfg.IncludeQuery)

		if _, err := ix.IndexTree(context.Background(), argOrRoot(args)); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(c.Dump()))
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph [PATH]",
	Short: "Serve the include graph of a policy tree in the browser",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		cfg, err := configure()
		if err != nil {
			return err
		}
		if addr == "" {
			addr = cfg.GraphAddr
		}
		pool, err := parser.NewParserPool(4)
		if err != nil {
			return err
		}
		defer pool.Close()
		c := cache.NewCache()
		ix := workspace.NewIndexer(c, nil, pool, cfg.IncludeQuery)

		ctx, cancel := signalContext(cmd)
		defer cancel()
		if _, err := ix.IndexTree(ctx, argOrRoot(args)); err != nil {
			return err
		}

		g := graph.NewServer()
		if err := g.Follow(ctx, c); err != nil {
			return err
		}
		url, err := g.Start(addr)
		if err != nil {
			return err
		}
		defer g.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "include graph at %s\n", url)

		<-ctx.Done()
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [PATH]",
	Short: "Check policy files again whenever they change",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debounce, _ := cmd.Flags().GetDuration("debounce")
		cfg, err := configure()
		if err != nil {
			return err
		}
		root := argOrRoot(args)
		pool, err := parser.NewParserPool(4)
		if err != nil {
			return err
		}
		defer pool.Close()
		ix := workspace.NewIndexer(cache.NewCache(), nil, pool, cfg.IncludeQuery)

		ctx, cancel := signalContext(cmd)
		defer cancel()
		if _, err := ix.IndexTree(ctx, root); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		report := func(path string) {
			doc, err := os.ReadFile(path)
			if err != nil {
				log.Warningf("read %s: %s", path, err)
				return
			}
			d, err := ix.IndexFile(ctx, path, doc, time.Now())
			if err != nil {
				log.Warningf("index %s: %s", path, err)
				return
			}
			diags := ix.Analyze(d.File, d.Tree.RootNode(), doc, cfg.DisabledChecks)
			findings := make([]Finding, 0, len(diags))
			for _, diag := range diags {
				findings = append(findings, toFinding(path, diag))
			}
			fmt.Fprintf(out, "%s: %d findings\n", path, len(findings))
			_ = writeFindings(out, "text", findings)
		}

		w, err := watcher.New(root, debounce, watcher.Handler{
			Changed: report,
			Removed: func(path string) {
				if err := ix.RemoveFile(path); err != nil {
					log.Warningf("remove %s: %s", path, err)
				}
				fmt.Fprintf(out, "%s: removed\n", path)
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "watching %s\n", root)
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().String("query", "", "print the captures of this query instead of the tree")
	indexCmd.Flags().String("db", defaultDB, "database file")
	indexCmd.Flags().Bool("clear", false, "drop the existing index first")
	profilesCmd.Flags().String("db", defaultDB, "database file")
	graphCmd.Flags().String("addr", "", "listen address, defaults to graph_addr of the config")
	watchCmd.Flags().Duration("debounce", 300*time.Millisecond, "delay before a change is checked")
}
