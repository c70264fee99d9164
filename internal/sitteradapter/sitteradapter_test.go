package sitteradapter_test

import (
	"testing"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/stretchr/testify/assert"
	lsp "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/sitteradapter"
)

const doc = "héllo\nwörld 𝄞x\n"

func rng(l1, c1, l2, c2 uint32) *lsp.Range {
	return &lsp.Range{
		Start: lsp.Position{Line: l1, Character: c1},
		End:   lsp.Position{Line: l2, Character: c2},
	}
}

func TestPositionToOffset(t *testing.T) {
	cases := []struct {
		pos    lsp.Position
		offset int
		point  sitter.Point
	}{
		{lsp.Position{Line: 0, Character: 0}, 0, sitter.Point{}},
		{lsp.Position{Line: 1, Character: 6}, 14, sitter.Point{Row: 1, Column: 7}},
		{lsp.Position{Line: 1, Character: 8}, 18, sitter.Point{Row: 1, Column: 11}},
		// inside a surrogate pair
		{lsp.Position{Line: 1, Character: 7}, 14, sitter.Point{Row: 1, Column: 7}},
		{lsp.Position{Line: 0, Character: 99}, 6, sitter.Point{Row: 0, Column: 6}},
		{lsp.Position{Line: 10, Character: 0}, len(doc), sitter.Point{Row: 2, Column: 0}},
	}
	for _, c := range cases {
		offset, point := sitteradapter.PositionToOffset(doc, c.pos)
		assert.Equal(t, c.offset, offset, "offset for %+v", c.pos)
		assert.Equal(t, c.point, point, "point for %+v", c.pos)
	}
}

func TestPointToPosition(t *testing.T) {
	assert.Equal(t, lsp.Position{Line: 1, Character: 8},
		sitteradapter.TSPointToLSPPosition(sitter.Point{Row: 1, Column: 11}, doc))
	assert.Equal(t, lsp.Position{Line: 0, Character: 5},
		sitteradapter.TSPointToLSPPosition(sitter.Point{Row: 0, Column: 40}, doc))

	r := sitteradapter.RangeToLSP(sitter.Range{
		StartPoint: sitter.Point{Row: 0, Column: 1},
		EndPoint:   sitter.Point{Row: 0, Column: 3},
	}, doc)
	assert.Equal(t, *rng(0, 1, 0, 2), r)

	assert.Equal(t, sitter.Point{Row: 1, Column: 11},
		sitteradapter.LSPPositionToPoint(lsp.Position{Line: 1, Character: 8}, doc))
}

func TestEditAdapter(t *testing.T) {
	change := lsp.TextDocumentContentChangeEvent{Range: rng(1, 1, 1, 2), Text: "o"}

	edit := sitteradapter.CreateTSEditAdapter(change, doc)
	assert.Equal(t, sitter.EditInput{
		StartIndex:  8,
		OldEndIndex: 10,
		NewEndIndex: 9,
		StartPoint:  sitter.Point{Row: 1, Column: 1},
		OldEndPoint: sitter.Point{Row: 1, Column: 3},
		NewEndPoint: sitter.Point{Row: 1, Column: 2},
	}, edit)
	assert.Equal(t, "héllo\nworld 𝄞x\n", sitteradapter.ApplyTextEdit(change, doc))
}

func TestEditAdapterMultiline(t *testing.T) {
	change := lsp.TextDocumentContentChangeEvent{Range: rng(0, 0, 0, 0), Text: "a\nbc"}

	edit := sitteradapter.CreateTSEditAdapter(change, doc)
	assert.Equal(t, uint32(0), edit.OldEndIndex)
	assert.Equal(t, uint32(4), edit.NewEndIndex)
	assert.Equal(t, sitter.Point{Row: 1, Column: 2}, edit.NewEndPoint)
	assert.Equal(t, "a\nbchéllo\nwörld 𝄞x\n", sitteradapter.ApplyTextEdit(change, doc))
}

func TestWholeDocumentChange(t *testing.T) {
	change := lsp.TextDocumentContentChangeEvent{Text: "x\n"}

	edit := sitteradapter.CreateTSEditAdapter(change, doc)
	assert.Equal(t, uint32(0), edit.StartIndex)
	assert.Equal(t, uint32(len(doc)), edit.OldEndIndex)
	assert.Equal(t, sitter.Point{Row: 2}, edit.OldEndPoint)
	assert.Equal(t, sitter.Point{Row: 1}, edit.NewEndPoint)
	assert.Equal(t, "x\n", sitteradapter.ApplyTextEdit(change, doc))
}

func TestContains(t *testing.T) {
	r := *rng(1, 2, 3, 4)
	assert.True(t, sitteradapter.Contains(r, lsp.Position{Line: 1, Character: 2}))
	assert.True(t, sitteradapter.Contains(r, lsp.Position{Line: 2, Character: 0}))
	assert.True(t, sitteradapter.Contains(r, lsp.Position{Line: 3, Character: 4}))
	assert.False(t, sitteradapter.Contains(r, lsp.Position{Line: 1, Character: 1}))
	assert.False(t, sitteradapter.Contains(r, lsp.Position{Line: 3, Character: 5}))
}

func TestPositionToOffsetInvalidUTF8(t *testing.T) {
	const bad = "/a\xff\xfe r,\n"

	off, pt := sitteradapter.PositionToOffset(bad, lsp.Position{Line: 0, Character: 4})
	assert.Equal(t, 4, off)
	assert.Equal(t, sitter.Point{Row: 0, Column: 4}, pt)
	assert.Equal(t, lsp.Position{Line: 0, Character: 4}, sitteradapter.TSPointToLSPPosition(pt, bad))

	edited := sitteradapter.ApplyTextEdit(lsp.TextDocumentContentChangeEvent{Range: rng(0, 4, 0, 4), Text: "X"}, bad)
	assert.Equal(t, "/a\xff\xfeX r,\n", edited)

	e := sitteradapter.CreateTSEditAdapter(lsp.TextDocumentContentChangeEvent{Range: rng(0, 4, 0, 4), Text: "X"}, bad)
	assert.Equal(t, uint32(4), e.StartIndex)
	assert.Equal(t, sitter.Point{Row: 0, Column: 5}, e.NewEndPoint)
}
