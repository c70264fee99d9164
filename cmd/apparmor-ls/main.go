// apparmor-ls is a language server and command line toolbox for AppArmor
// policy trees.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/config"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/server"
)

// Version will be set during the build process using ldflags
var Version = "(dev) v0.0.0"

var log = commonlog.GetLogger("apparmor.cli")

var (
	cfgFile     string
	logFile     string
	verbosity   int
	rootDir     string
	searchPaths []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apparmor-ls",
	Short: "Language server and tools for AppArmor policy",
	Long: `apparmor-ls parses AppArmor policy, follows includes between policy
files and reports problems in them. Run "apparmor-ls serve" from an editor
to use it as a language server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "logfile", "", "write logs to this file")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "policy root, overrides the config")
	rootCmd.PersistentFlags().StringSliceVar(&searchPaths, "search-path", nil, "include search path, overrides the config")

	serveCmd.Flags().String("tcp", "", "listen on this address instead of stdio")

	rootCmd.AddCommand(serveCmd, versionCmd, languageCmd)
	rootCmd.AddCommand(parseCmd, checkCmd)
	rootCmd.AddCommand(indexCmd, profilesCmd, dumpCmd, graphCmd, watchCmd)
}

func setupLogging() {
	var path *string
	if logFile != "" {
		path = &logFile
	}
	commonlog.Configure(verbosity, path)
}

// loadConfig reads the config file if one was given and applies the
// command line overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadFile(cfgFile); err != nil {
			return config.Config{}, err
		}
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if len(searchPaths) > 0 {
		cfg.SearchPaths = searchPaths
	}
	return cfg, nil
}

// configure loads the config and points the resolver at the policy root.
func configure() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	if err := resolver.Configure(cfg.Root, cfg.SearchPaths, cfg.Ignore); err != nil {
		return cfg, err
	}
	log.Debugf("root %s, search paths %v", resolver.Root(), resolver.SearchPaths())
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the language server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("tcp")
		s := server.NewServer(Version, verbosity > 1)
		if addr != "" {
			return s.RunTCP(addr)
		}
		return s.RunStdio()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("apparmor-ls %s\n", Version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var languageCmd = &cobra.Command{
	Use:   "language",
	Short: "Describe the grammar",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lang := grammar.Language()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "name:    %s\n", grammar.Name)
		fmt.Fprintf(out, "symbols: %d\n", lang.SymbolCount())
		fmt.Fprintf(out, "kinds:   %d\n", len(grammar.NodeKinds()))
		fmt.Fprintf(out, "fields:  %s\n", strings.Join(grammar.FieldNames(), " "))
		fmt.Fprintf(out, "rules:   %s\n", strings.Join(grammar.RuleKeywords(), " "))
	},
}
