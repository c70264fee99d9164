package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/workspace"
)

const badProfile = `profile bad {
  capability net_admin sys_wizard,
}
`

func TestCheck(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bad")
	require.NoError(t, os.WriteFile(path, []byte(badProfile), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "good"), []byte("profile good {\n}\n"), 0o644))
	require.NoError(t, resolver.Configure(root, []string{root}, nil))

	pool, err := parser.NewParserPool(2)
	require.NoError(t, err)
	defer pool.Close()
	ix := workspace.NewIndexer(cache.NewCache(), nil, pool, "")

	findings, err := check(context.Background(), ix, []string{root}, nil, 2)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, path, f.Path)
	assert.Equal(t, uint32(2), f.Line)
	assert.Equal(t, uint32(24), f.Column)
	assert.Equal(t, "unknown-capability", f.Check)
	assert.Equal(t, "error", f.Severity)

	findings, err = check(context.Background(), ix, []string{path}, []string{"unknown-capability"}, 1)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestWriteFindings(t *testing.T) {
	findings := []Finding{{Path: "usr.bin.foo", Line: 3, Column: 5, Check: "bare-x", Severity: "warning", Message: "x without a mode"}}

	var text bytes.Buffer
	require.NoError(t, writeFindings(&text, "text", findings))
	assert.Equal(t, "usr.bin.foo:3:5: warning: x without a mode [bare-x]\n", text.String())

	var js bytes.Buffer
	require.NoError(t, writeFindings(&js, "json", nil))
	assert.JSONEq(t, "[]", js.String())

	var y bytes.Buffer
	require.NoError(t, writeFindings(&y, "yaml", findings))
	var back []Finding
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &back))
	assert.Equal(t, findings, back)

	assert.Error(t, writeFindings(&text, "xml", findings))
}
