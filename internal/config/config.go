package config

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/analysis"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
)

type Config struct {
	Root           string   `json:"root" mapstructure:"root"`
	SearchPaths    []string `json:"search_paths" mapstructure:"search_paths"`
	IncludeQuery   string   `json:"include_query" mapstructure:"include_query"`
	Ignore         []string `json:"ignore" mapstructure:"ignore"`
	DisabledChecks []string `json:"disabled_checks" mapstructure:"disabled_checks"`
	RescanInterval string   `json:"rescan_interval" mapstructure:"rescan_interval"`
	Watch          bool     `json:"watch" mapstructure:"watch"`
	GraphAddr      string   `json:"graph_addr" mapstructure:"graph_addr"`
}

var defaultConfig = Config{
	Root:         ".",
	SearchPaths:  []string{"/etc/apparmor.d"},
	IncludeQuery: parser.IncludeQuery,
	// package manager leftovers next to real profiles
	Ignore:         []string{"*.dpkg-*", "*.rpmnew", "*.rpmsave", "*~", "README"},
	RescanInterval: "5m",
	GraphAddr:      "localhost:1234",
}

func Default() Config {
	cfg := defaultConfig
	cfg.SearchPaths = append([]string(nil), defaultConfig.SearchPaths...)
	cfg.Ignore = append([]string(nil), defaultConfig.Ignore...)
	return cfg
}

func Load(v any) (Config, error) {
	cfg := Default()

	data, err := json.Marshal(v)
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal source: %w", err)
	}

	// only fields present in src will overwrite.
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal into Config: %w", err)
	}

	return cfg, cfg.Validate()
}

// LoadFromJSON reads JSON from r into a Config.
func LoadFromJSON(r io.Reader) (Config, error) {
	cfg := Default()

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// LoadFile reads a yaml, json or toml file, chosen by extension.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Interval returns the rescan interval. Zero means the tree is scanned once.
func (c Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.RescanInterval)
	if err != nil {
		return 0
	}
	return d
}

func (c Config) Validate() error {
	if c.RescanInterval != "" {
		if _, err := time.ParseDuration(c.RescanInterval); err != nil {
			return fmt.Errorf("invalid rescan_interval %q: %w", c.RescanInterval, err)
		}
	}
	if c.IncludeQuery != "" {
		if err := parser.CheckQuery([]byte(c.IncludeQuery)); err != nil {
			return fmt.Errorf("invalid include_query: %w", err)
		}
	}
	for _, id := range c.DisabledChecks {
		if !analysis.IsCheck(id) {
			return fmt.Errorf("unknown check %q in disabled_checks", id)
		}
	}
	return nil
}
