package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	write(t, root, "usr.bin.foo", "profile foo {}\n")
	write(t, root, "abstractions/base", "/etc/ld.so.cache r,\n")
	write(t, root, "abstractions/base.dpkg-old", "old\n")
	write(t, root, ".git/config", "[core]\n")
	write(t, root, "cache/blob", "binary\n")
	require.NoError(t, resolver.Configure(root, nil, []string{"*.dpkg-*"}))

	var got []string
	docs := map[string]string{}
	err := Scan(context.Background(), root,
		func(path string, info fs.FileInfo) bool { return filepath.Base(filepath.Dir(path)) == "cache" },
		func(path string, document []byte) {
			rel, _ := filepath.Rel(root, path)
			got = append(got, rel)
			docs[rel] = string(document)
		})
	require.NoError(t, err)

	sort.Strings(got)
	assert.Equal(t, []string{filepath.Join("abstractions", "base"), "usr.bin.foo"}, got)
	assert.Equal(t, "profile foo {}\n", docs["usr.bin.foo"])
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a", "")
	require.NoError(t, resolver.Configure(root, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Scan(ctx, root, nil, func(string, []byte) { calls++ })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
