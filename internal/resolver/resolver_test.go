package resolver_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
)

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{
		"usr.bin.foo",
		"tunables/global",
		"abstractions/base",
		"abstractions/base.d/a",
		"abstractions/base.d/b",
		"abstractions/base.d/.hidden",
		"abstractions/base.d/c.dpkg-old",
	} {
		p := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("# "+f+"\n"), 0o644))
	}
	require.NoError(t, resolver.Configure(dir, []string{dir}, []string{"*.dpkg-*"}))
	return dir
}

func TestResolve(t *testing.T) {
	dir := setup(t)

	f, err := resolver.Resolve("usr.bin.foo")
	require.NoError(t, err)
	assert.Equal(t, "usr.bin.foo", f.CachePath)
	assert.Equal(t, filepath.Join(dir, "usr.bin.foo"), f.AbsolutePath)
	assert.Equal(t, "file://"+filepath.ToSlash(f.AbsolutePath), f.URI)

	byURI, err := resolver.Resolve(f.URI)
	require.NoError(t, err)
	assert.Equal(t, f, byURI)

	outside := filepath.Join(filepath.Dir(dir), "elsewhere")
	o, err := resolver.Resolve(outside)
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(outside), o.CachePath)

	_, err = resolver.Resolve("")
	assert.Error(t, err)
}

func TestResolveInclude(t *testing.T) {
	dir := setup(t)
	src, _ := resolver.Resolve("usr.bin.foo")

	targets, found, err := resolver.ResolveInclude(src, "<abstractions/base>")
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, targets, 1)
	assert.Equal(t, "abstractions/base", targets[0].CachePath)

	targets, found, err = resolver.ResolveInclude(src, "<abstractions/base.d>")
	require.NoError(t, err)
	assert.True(t, found)
	var names []string
	for _, f := range targets {
		names = append(names, f.CachePath)
	}
	assert.Equal(t, []string{"abstractions/base.d/a", "abstractions/base.d/b"}, names)

	targets, found, err = resolver.ResolveInclude(src, "<local/missing>")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "local/missing", targets[0].CachePath)

	targets, found, err = resolver.ResolveInclude(src, `"tunables/global"`)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, filepath.Join(dir, "tunables", "global"), targets[0].AbsolutePath)

	targets, found, err = resolver.ResolveInclude(src, filepath.Join(dir, "tunables", "global"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tunables/global", targets[0].CachePath)

	_, _, err = resolver.ResolveInclude(src, "<@{HOME}/x>")
	assert.True(t, errors.Is(err, resolver.ErrInvalidInclude))
}

func TestExtractIncludes(t *testing.T) {
	setup(t)
	src, _ := resolver.Resolve("usr.bin.foo")

	doc := []byte("include <abstractions/base>\n" +
		"include if exists <local/missing>\n" +
		"#include <abstractions/base>\n" +
		"# include <tunables/global>\n")
	p, err := parser.NewParser()
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Parse(doc))
	matches, err := p.Query([]byte(parser.IncludeQuery))
	require.NoError(t, err)

	links := resolver.ExtractIncludes(src, parser.Captured(matches, "target"), doc)
	require.Len(t, links, 2)

	assert.Equal(t, "usr.bin.foo", links[0].Source)
	assert.Equal(t, "abstractions/base", links[0].Target)
	assert.False(t, links[0].Optional)
	require.Len(t, links[0].Ranges, 2)
	assert.Equal(t, uint32(0), links[0].Ranges[0].Start.Line)
	assert.Equal(t, uint32(8), links[0].Ranges[0].Start.Character)
	assert.Equal(t, uint32(2), links[0].Ranges[1].Start.Line)
	assert.Equal(t, uint32(9), links[0].Ranges[1].Start.Character)
	assert.Equal(t, uint32(28), links[0].Ranges[1].End.Character)

	assert.Equal(t, "local/missing", links[1].Target)
	assert.True(t, links[1].Optional)
}

func TestIncludeAtComment(t *testing.T) {
	doc := []byte("#include if exists \"local/x\"\n")
	p, err := parser.NewParser()
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Parse(doc))
	matches, err := p.Query([]byte(parser.IncludeQuery))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	inc, ok := resolver.IncludeAt(matches[0].Node, doc)
	require.True(t, ok)
	assert.Equal(t, `"local/x"`, inc.Path)
	assert.True(t, inc.Optional)
	assert.Equal(t, uint32(19), inc.Range.StartPoint.Column)
}

func TestIgnore(t *testing.T) {
	setup(t)
	assert.True(t, resolver.IgnoreDir("/etc/apparmor.d/.git"))
	assert.False(t, resolver.IgnoreDir("."))
	assert.False(t, resolver.IgnoreDir("/etc/apparmor.d/abstractions"))
	assert.True(t, resolver.IgnoreFile("usr.bin.foo.dpkg-new"))
	assert.True(t, resolver.IgnoreFile(".swp"))
	assert.False(t, resolver.IgnoreFile("usr.bin.foo"))

	assert.Error(t, resolver.Configure(".", nil, []string{"["}))
}
