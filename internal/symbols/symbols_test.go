package symbols

import (
	"context"
	"testing"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
)

const policy = `@{HOME}=/home/*/ /root/
@{exec_path} += /usr/bin/foo

# comment one
# comment two
profile foo @{exec_path} flags=(complain) {
  ^hat1 {
    /etc/x r,
  }
  profile child {
  }
  deny {
    /etc/shadow r,
  }
  @{HOME}/.foo rw,
}
/usr/bin/bar {
}
`

func parse(t *testing.T) (*sitter.Node, []byte) {
	t.Helper()
	src := []byte(policy)
	root, err := sitter.ParseCtx(context.Background(), src, grammar.Language())
	require.NoError(t, err)
	require.False(t, root.HasError(), root.String())
	return root, src
}

func TestOutline(t *testing.T) {
	root, src := parse(t)
	syms := Outline(root, src)
	require.Len(t, syms, 4)

	assert.Equal(t, "@{HOME}", syms[0].Name)
	assert.Equal(t, protocol.SymbolKindVariable, syms[0].Kind)
	assert.Equal(t, "+= /usr/bin/foo", syms[1].Detail)

	foo := syms[2]
	assert.Equal(t, "foo", foo.Name)
	assert.Equal(t, "@{exec_path}", foo.Detail)
	assert.Equal(t, protocol.SymbolKindClass, foo.Kind)
	assert.Equal(t, uint32(5), foo.Selection.StartPoint.Row)
	assert.Equal(t, uint32(8), foo.Selection.StartPoint.Column)

	require.Len(t, foo.Children, 3)
	assert.Equal(t, "^hat1", foo.Children[0].Name)
	assert.Equal(t, protocol.SymbolKindMethod, foo.Children[0].Kind)
	assert.Equal(t, "child", foo.Children[1].Name)
	assert.Equal(t, "deny", foo.Children[2].Name)
	assert.Equal(t, protocol.SymbolKindNamespace, foo.Children[2].Kind)

	assert.Equal(t, "/usr/bin/bar", syms[3].Name)
}

func TestProfiles(t *testing.T) {
	root, src := parse(t)
	ps := Profiles(root, src)
	require.Len(t, ps, 4)

	assert.Equal(t, "foo", ps[0].FullName)
	assert.Equal(t, "@{exec_path}", ps[0].Attachment)
	assert.Equal(t, "foo//hat1", ps[1].FullName)
	assert.Equal(t, "hat1", ps[1].Name)
	assert.True(t, ps[1].Hat)
	assert.Equal(t, "foo//child", ps[2].FullName)
	assert.False(t, ps[2].Hat)
	assert.Equal(t, "/usr/bin/bar", ps[3].Attachment)
}

func TestVariablesAndReferences(t *testing.T) {
	root, src := parse(t)
	vars := Variables(root, src)
	require.Len(t, vars, 2)
	assert.Equal(t, []string{"/home/*/", "/root/"}, vars[0].Values)
	assert.False(t, vars[0].Append)
	assert.Equal(t, "@{exec_path}", vars[1].Name)
	assert.True(t, vars[1].Append)

	refs := References(root, src)
	require.Len(t, refs, 2)
	assert.Equal(t, "@{exec_path}", refs[0].Name)
	assert.Equal(t, uint32(5), refs[0].Range.StartPoint.Row)
	assert.Equal(t, uint32(12), refs[0].Range.StartPoint.Column)
	assert.Equal(t, "@{HOME}", refs[1].Name)
	assert.Equal(t, uint32(14), refs[1].Range.StartPoint.Row)
	assert.Equal(t, uint32(2), refs[1].Range.StartPoint.Column)
	assert.Equal(t, uint32(9), refs[1].Range.EndPoint.Column)
}

func TestSplitValues(t *testing.T) {
	assert.Equal(t, []string{`"/a b/"`, "/c"}, splitValues(`"/a b/"  /c`))
	assert.Empty(t, splitValues("  "))
}

func TestFoldingRanges(t *testing.T) {
	root, _ := parse(t)
	got := FoldingRanges(root)

	type span struct{ start, end uint32 }
	var spans []span
	for _, f := range got {
		spans = append(spans, span{f.StartLine, f.EndLine})
	}
	assert.Equal(t, []span{{3, 4}, {5, 15}, {6, 8}, {9, 10}, {11, 13}, {16, 17}}, spans)
	assert.Equal(t, protocol.FoldingRangeKindComment, got[0].Kind)
}
