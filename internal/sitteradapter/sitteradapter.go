// Package sitteradapter converts between LSP positions, which count UTF-16
// code units, and syntax tree positions, which count bytes.
package sitteradapter

import (
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	lsp "github.com/tliron/glsp/protocol_3_16"
)

// CreateTSEditAdapter converts an LSP TextDocumentContentChangeEvent into an EditInput.
// A change without a range replaces the whole document.
func CreateTSEditAdapter(
	lspEdit lsp.TextDocumentContentChangeEvent,
	document string, // Full document content before the change
) sitter.EditInput {
	var startByte, oldEndByte int
	var startPoint, oldEndPoint sitter.Point

	if lspEdit.Range == nil {
		oldEndByte = len(document)
		oldEndPoint = endOfDocument(document)
	} else {
		startByte, startPoint = PositionToOffset(document, lspEdit.Range.Start)
		oldEndByte, oldEndPoint = PositionToOffset(document, lspEdit.Range.End)
	}

	return sitter.EditInput{
		StartIndex:  uint32(startByte),
		OldEndIndex: uint32(oldEndByte),
		NewEndIndex: uint32(startByte + len(lspEdit.Text)),
		StartPoint:  startPoint,
		OldEndPoint: oldEndPoint,
		NewEndPoint: computeNewEndPoint(startPoint, lspEdit.Text),
	}
}

// PositionToOffset computes the byte offset and Point for an LSP Position.
// Positions past the end of a line or of the document are clamped.
func PositionToOffset(document string, pos lsp.Position) (offset int, point sitter.Point) {
	lines := strings.Split(document, "\n")
	if int(pos.Line) >= len(lines) {
		pos.Line = uint32(len(lines) - 1)
		pos.Character = ^uint32(0)
	}
	for i := uint32(0); i < pos.Line; i++ {
		offset += len(lines[i]) + 1
	}

	// invalid bytes count as one unit each, as in TSPointToLSPPosition
	line := lines[pos.Line]
	var units uint32
	var byteCount int
	for byteCount < len(line) {
		r, size := utf8.DecodeRuneInString(line[byteCount:])
		n := uint32(utf16Len(r))
		if units+n > pos.Character {
			break
		}
		units += n
		byteCount += size
	}
	offset += byteCount
	point = sitter.Point{Row: pos.Line, Column: uint32(byteCount)}
	return
}

func utf16Len(r rune) int {
	if r > 0xFFFF {
		return 2
	}
	return 1
}

func endOfDocument(document string) sitter.Point {
	return computeNewEndPoint(sitter.Point{}, document)
}

// computeNewEndPoint computes the Point after inserting newText at startPoint.
func computeNewEndPoint(startPoint sitter.Point, newText string) sitter.Point {
	lines := strings.Split(newText, "\n")
	last := lines[len(lines)-1]
	if len(lines) == 1 {
		return sitter.Point{Row: startPoint.Row, Column: startPoint.Column + uint32(len(last))}
	}
	return sitter.Point{Row: startPoint.Row + uint32(len(lines)-1), Column: uint32(len(last))}
}

// ApplyTextEdit applies a single LSP change to document,
// using the same offsets that CreateTSEditAdapter computes.
func ApplyTextEdit(
	edit lsp.TextDocumentContentChangeEvent,
	document string,
) string {
	if edit.Range == nil {
		return edit.Text
	}
	startOffset, _ := PositionToOffset(document, edit.Range.Start)
	endOffset, _ := PositionToOffset(document, edit.Range.End)
	if endOffset < startOffset {
		endOffset = startOffset
	}
	return document[:startOffset] + edit.Text + document[endOffset:]
}

// TSPointToLSPPosition converts a Point to an LSP Position within the given document.
func TSPointToLSPPosition(pt sitter.Point, document string) lsp.Position {
	lines := strings.Split(document, "\n")
	if int(pt.Row) >= len(lines) {
		pt.Row = uint32(len(lines) - 1)
		pt.Column = uint32(len(lines[pt.Row]))
	}
	line := lines[pt.Row]
	if int(pt.Column) > len(line) {
		pt.Column = uint32(len(line))
	}
	var units uint32
	for _, r := range line[:pt.Column] {
		units += uint32(utf16Len(r))
	}
	return lsp.Position{Line: pt.Row, Character: units}
}

// RangeToLSP converts a node range to an LSP Range.
func RangeToLSP(r sitter.Range, document string) lsp.Range {
	return lsp.Range{
		Start: TSPointToLSPPosition(r.StartPoint, document),
		End:   TSPointToLSPPosition(r.EndPoint, document),
	}
}

// LSPPositionToPoint converts an LSP Position to a Point.
func LSPPositionToPoint(pos lsp.Position, document string) sitter.Point {
	_, pt := PositionToOffset(document, pos)
	return pt
}

// Contains reports whether pos lies within r, both ends inclusive.
func Contains(r lsp.Range, pos lsp.Position) bool {
	return !before(pos, r.Start) && !before(r.End, pos)
}

func before(a, b lsp.Position) bool {
	return a.Line < b.Line || a.Line == b.Line && a.Character < b.Character
}
