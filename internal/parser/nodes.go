package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Walk visits n and its descendants in document order. Children of a node
// are skipped when fn returns false for it.
func Walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		Walk(n.Child(i), fn)
	}
}

// FieldName returns the name of the field n occupies in its parent.
func FieldName(n *sitter.Node) string {
	parent := n.Parent()
	if parent == nil {
		return ""
	}
	for i := 0; i < int(parent.ChildCount()); i++ {
		if c := parent.Child(i); c.StartByte() == n.StartByte() && c.EndByte() == n.EndByte() && c.Symbol() == n.Symbol() {
			return parent.FieldNameForChild(i)
		}
	}
	return ""
}

// ChildrenByFieldName returns every child of n in the named field.
func ChildrenByFieldName(n *sitter.Node, name string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) == name {
			out = append(out, n.Child(i))
		}
	}
	return out
}

// NamedChildren returns the named children of n.
func NamedChildren(n *sitter.Node) []*sitter.Node {
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, n.NamedChild(i))
	}
	return out
}

// HasToken reports whether n has an anonymous child spelled tok.
func HasToken(n *sitter.Node, tok string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); !c.IsNamed() && c.Type() == tok {
			return true
		}
	}
	return false
}

// Trimmed returns the offsets within the text of n that remain after
// dropping surrounding blanks, line breaks and a trailing comma. Rest of
// line tokens and continuation fragments carry both.
func Trimmed(n *sitter.Node, source []byte) (from, to int) {
	text := n.Content(source)
	to = len(strings.TrimRight(text, " \t\r\n,"))
	from = len(text) - len(strings.TrimLeft(text, " \t\r\n"))
	if from > to {
		from = to
	}
	return from, to
}
