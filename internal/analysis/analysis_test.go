package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
)

// Signal rules continue onto indented lines, so the signal rule comes last.
const policy = `include <tunables/global>
include if exists <local/missing>
include <abstractions/missing>

profile foo /usr/bin/foo flags=(complain,bogus) {
  capability chown bogus_cap,
  network inet stream,
  network foonet,
  set rlimit nofile <= 1024,
  set rlimit cpu <= 10 MB,
  set rlimit bogus <= 10,
  /etc/foo rwa,
  /usr/bin/x x,
  deny /usr/bin/y x,
  /usr/bin/z ix -> other,
  /usr/bin/w pix,
  /usr/bin/v Cx -> child,
  @{HOME}/.foo r,
  @{undefined}/x r,
  signal send set=(hup, nosuch) peer=foo,
}
profile foo {
  deny audit /etc/shadow r,
}
`

func parse(t *testing.T, src string) (*sitter.Node, []byte) {
	t.Helper()
	root, err := sitter.ParseCtx(context.Background(), []byte(src), grammar.Language())
	require.NoError(t, err)
	return root, []byte(src)
}

type finding struct {
	check string
	line  uint32
}

func findings(diags []Diagnostic) []finding {
	var out []finding
	for _, d := range diags {
		out = append(out, finding{d.Check, d.Range.StartPoint.Row})
	}
	return out
}

func setup(t *testing.T) *resolver.File {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tunables"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tunables", "global"), []byte("@{HOME}=/home/*/\n"), 0o644))
	require.NoError(t, resolver.Configure(root, nil, nil))
	f, err := resolver.Resolve("usr.bin.foo")
	require.NoError(t, err)
	return &f
}

func TestAnalyze(t *testing.T) {
	file := setup(t)
	root, src := parse(t, policy)

	diags := Analyze(root, src, Options{
		File:             file,
		Variables:        []string{"@{HOME}"},
		ResolveVariables: true,
	})

	assert.Equal(t, []finding{
		{CheckInclude, 2},
		{CheckFlags, 4},
		{CheckCapability, 5},
		{CheckNetwork, 7},
		{CheckRlimit, 9},
		{CheckRlimit, 10},
		{CheckPermissions, 11},
		{CheckBareExec, 12},
		{CheckTransition, 14},
		{CheckUndefinedVariable, 18},
		{CheckSignal, 19},
		{CheckDuplicateProfile, 21},
		{CheckModifierOrder, 22},
	}, findings(diags))

	for _, d := range diags {
		switch d.Check {
		case CheckCapability:
			assert.Equal(t, `unknown capability "bogus_cap"`, d.Message)
			assert.Equal(t, uint32(19), d.Range.StartPoint.Column)
		case CheckSignal:
			assert.Equal(t, `unknown signal "nosuch"`, d.Message)
		case CheckUndefinedVariable:
			assert.Equal(t, "variable @{undefined} is not defined", d.Message)
			assert.Equal(t, protocol.DiagnosticSeverityWarning, d.Severity)
		}
	}
}

func TestDisabledChecks(t *testing.T) {
	file := setup(t)
	root, src := parse(t, policy)

	diags := Analyze(root, src, Options{
		File:     file,
		Disabled: []string{CheckModifierOrder, CheckInclude, CheckRlimit},
	})
	got := findings(diags)
	assert.Contains(t, got, finding{CheckSyntax, 22})
	for _, f := range got {
		assert.NotEqual(t, CheckInclude, f.check)
		assert.NotEqual(t, CheckRlimit, f.check)
		assert.NotEqual(t, CheckUndefinedVariable, f.check)
	}
}

func TestMissingBrace(t *testing.T) {
	root, src := parse(t, "profile x {\n  /a r,\n")
	diags := Analyze(root, src, Options{})
	require.Len(t, diags, 1)
	assert.Equal(t, CheckSyntax, diags[0].Check)
	assert.Equal(t, `missing "}"`, diags[0].Message)
}

func TestCleanPolicy(t *testing.T) {
	root, src := parse(t, `profile ok /usr/bin/ok {
  /usr/bin/ok mr,
  /etc/ok.conf rw,
  /usr/bin/helper Px,
  /usr/bin/sh ix,
  network unix stream,
  set rlimit as <= 1GB,
  set rlimit rttime <= 10ms,
  signal (send, receive) set=(term kill rtmin+3),
}
`)
	require.False(t, root.HasError())
	assert.Empty(t, Analyze(root, src, Options{ResolveVariables: true}))
}

func TestHashInclude(t *testing.T) {
	file := setup(t)
	root, src := parse(t, "#include <tunables/global>\n#include <abstractions/nope>\n# include <abstractions/nope>\n")

	diags := Analyze(root, src, Options{File: file})
	require.Len(t, diags, 1)
	assert.Equal(t, CheckInclude, diags[0].Check)
	assert.Equal(t, uint32(1), diags[0].Range.StartPoint.Row)
	assert.Equal(t, uint32(9), diags[0].Range.StartPoint.Column)
}

func TestWords(t *testing.T) {
	ws := words("a, (b c) d")
	require.Len(t, ws, 4)
	assert.Equal(t, word{text: "b", from: 4, to: 5, depth: 1}, ws[1])
	assert.Equal(t, 0, ws[3].depth)
}

func TestChecks(t *testing.T) {
	assert.True(t, IsCheck(CheckBareExec))
	assert.False(t, IsCheck("nope"))
	assert.Len(t, Checks(), 13)
}
