package grammar_test

import (
	"sort"
	"testing"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanguageIdentity(t *testing.T) {
	l := grammar.Language()
	require.NotNil(t, l)
	assert.Same(t, l, grammar.Language())
	assert.Equal(t, "apparmor", grammar.Name)
}

func TestNodeKinds(t *testing.T) {
	kinds := grammar.NodeKinds()
	for _, kind := range []string{
		grammar.KindSourceFile, grammar.KindProfile, grammar.KindProfileHeaderHat,
		grammar.KindIncludeLine, grammar.KindRestOfLine, grammar.KindSignalContFragment,
		grammar.KindTargetish, grammar.KindRlimitUnit, grammar.KindEOL,
	} {
		assert.Contains(t, kinds, kind)
	}
	assert.True(t, sort.StringsAreSorted(kinds))
	assert.NotContains(t, kinds, "end")
}

func TestFields(t *testing.T) {
	fields := grammar.FieldNames()
	assert.Len(t, fields, 19)
	assert.Equal(t, "attachment", fields[0])
	assert.Equal(t, "var", fields[len(fields)-1])
	assert.Contains(t, fields, "target")
}

func TestKeywords(t *testing.T) {
	assert.True(t, grammar.IsKeyword("capability"))
	assert.True(t, grammar.IsKeyword("change_profile"))
	assert.False(t, grammar.IsKeyword("->"))
	assert.False(t, grammar.IsKeyword("#include"))
	for _, kw := range grammar.RuleKeywords() {
		assert.True(t, grammar.IsKeyword(kw), kw)
	}
}

func TestVocabulary(t *testing.T) {
	assert.True(t, grammar.IsCapability("net_admin"))
	assert.False(t, grammar.IsCapability("net_admn"))

	assert.True(t, grammar.IsSignal("hup"))
	assert.True(t, grammar.IsSignal("rtmin+4"))
	assert.False(t, grammar.IsSignal("rtmin+99"))

	assert.True(t, grammar.ValidRlimitUnit("data", "M"))
	assert.True(t, grammar.ValidRlimitUnit("cpu", "seconds"))
	assert.False(t, grammar.ValidRlimitUnit("nofile", "K"))

	for _, m := range []string{"ix", "Px", "rCx", "pix", "PUx", "cIx"} {
		assert.True(t, grammar.IsExecMode(m), m)
	}
	for _, m := range []string{"x", "rw", "ixx", "iix", "Ix"} {
		assert.False(t, grammar.IsExecMode(m), m)
	}

	d, ok := grammar.DescribeExecMode("rPUx")
	require.True(t, ok)
	assert.Contains(t, d, "unconfined")

	d, ok = grammar.DescribePerm('W')
	require.True(t, ok)
	assert.Equal(t, "write", d)
}
