package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(map[string]any{
		"root":            "/srv/policy",
		"disabled_checks": []string{"bare-x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/srv/policy", cfg.Root)
	assert.Equal(t, []string{"bare-x"}, cfg.DisabledChecks)
	assert.Equal(t, []string{"/etc/apparmor.d"}, cfg.SearchPaths)
	assert.Equal(t, 5*time.Minute, cfg.Interval())

	// nil initializationOptions leave everything at the defaults
	cfg, err = Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownCheck(t *testing.T) {
	_, err := Load(map[string]any{"disabled_checks": []string{"nope"}})
	assert.ErrorContains(t, err, "nope")
}

func TestLoadRejectsBadQuery(t *testing.T) {
	_, err := Load(map[string]any{"include_query": "(include_line path: (_) @target"})
	assert.ErrorContains(t, err, "include_query")

	_, err = Load(map[string]any{"include_query": "(no_such_node) @target"})
	assert.ErrorContains(t, err, "include_query")

	cfg, err := Load(map[string]any{"include_query": "(abi_line path: (_) @target)"})
	require.NoError(t, err)
	assert.Equal(t, "(abi_line path: (_) @target)", cfg.IncludeQuery)
}

func TestLoadFromJSON(t *testing.T) {
	cfg, err := LoadFromJSON(strings.NewReader(`{"rescan_interval": "", "watch": true}`))
	require.NoError(t, err)
	assert.True(t, cfg.Watch)
	assert.Zero(t, cfg.Interval())

	_, err = LoadFromJSON(strings.NewReader(`{"rescan_interval": "soon"}`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apparmor-ls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: /etc/apparmor.d
search_paths:
  - /etc/apparmor.d
  - /usr/share/apparmor.d
ignore: ["*.bak"]
graph_addr: "127.0.0.1:9000"
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/apparmor.d", "/usr/share/apparmor.d"}, cfg.SearchPaths)
	assert.Equal(t, []string{"*.bak"}, cfg.Ignore)
	assert.Equal(t, "127.0.0.1:9000", cfg.GraphAddr)
	assert.Equal(t, "5m", cfg.RescanInterval)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
