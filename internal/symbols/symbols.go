// Package symbols extracts the named structure of a policy: profiles,
// hats, blocks and variables.
package symbols

import (
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
)

// Symbol is one entry of a document outline.
type Symbol struct {
	Name      string
	Detail    string
	Kind      protocol.SymbolKind
	Range     sitter.Range
	Selection sitter.Range
	Children  []Symbol
}

// Outline returns the profiles, hats, modifier blocks, conditionals and
// variable assignments of a document as a tree.
func Outline(root *sitter.Node, source []byte) []Symbol {
	return outline(root, source)
}

func outline(n *sitter.Node, source []byte) []Symbol {
	var out []Symbol
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		switch c.Type() {
		case grammar.KindProfile:
			out = append(out, profileSymbol(c, source))
		case grammar.KindModifierBlock:
			out = append(out, Symbol{
				Name:      blockLabel(c, source),
				Kind:      protocol.SymbolKindNamespace,
				Range:     c.Range(),
				Selection: firstLine(c, source),
				Children:  outline(c, source),
			})
		case grammar.KindConditionalRule:
			cond := c.ChildByFieldName("condition")
			if cond == nil {
				out = append(out, outline(c, source)...)
				continue
			}
			out = append(out, Symbol{
				Name:      "if " + cond.Content(source),
				Kind:      protocol.SymbolKindNamespace,
				Range:     c.Range(),
				Selection: cond.Range(),
				Children:  outline(c, source),
			})
		case grammar.KindTunablesAssignmentLine:
			v := c.ChildByFieldName("var")
			out = append(out, Symbol{
				Name:      v.Content(source),
				Detail:    c.ChildByFieldName("op").Content(source) + " " + c.ChildByFieldName("value").Content(source),
				Kind:      protocol.SymbolKindVariable,
				Range:     c.Range(),
				Selection: v.Range(),
			})
		case grammar.KindConditionalVarAssignmentLine:
			v := c.ChildByFieldName("var")
			out = append(out, Symbol{
				Name:      v.Content(source),
				Detail:    "= " + c.ChildByFieldName("value").Content(source),
				Kind:      protocol.SymbolKindVariable,
				Range:     c.Range(),
				Selection: v.Range(),
			})
		case grammar.KindError:
			// blocks swallowed by an error line still have an outline
			out = append(out, outline(c, source)...)
		}
	}
	return out
}

func profileSymbol(n *sitter.Node, source []byte) Symbol {
	header := n.Child(0)
	name := header.ChildByFieldName("name")
	kind := protocol.SymbolKindClass
	if isHat(header) {
		kind = protocol.SymbolKindMethod
	}
	var attachments []string
	for _, a := range parser.ChildrenByFieldName(header, "attachment") {
		attachments = append(attachments, a.Content(source))
	}
	return Symbol{
		Name:      displayName(header, name, source),
		Detail:    strings.Join(attachments, " "),
		Kind:      kind,
		Range:     n.Range(),
		Selection: name.Range(),
		Children:  outline(n, source),
	}
}

func displayName(header, name *sitter.Node, source []byte) string {
	if header.Type() == grammar.KindProfileHeaderHat {
		return "^" + unquote(name.Content(source))
	}
	return unquote(name.Content(source))
}

func isHat(header *sitter.Node) bool {
	t := header.Type()
	return t == grammar.KindProfileHeaderHat || t == grammar.KindProfileHeaderHatKeyword
}

// blockLabel names a modifier block after its modifiers, e.g. "audit deny".
func blockLabel(n *sitter.Node, source []byte) string {
	var words []string
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == "{" {
			break
		}
		words = append(words, c.Content(source))
	}
	if len(words) == 0 {
		return "{}"
	}
	return strings.Join(words, " ")
}

// firstLine is the range of n up to the end of its first line.
func firstLine(n *sitter.Node, source []byte) sitter.Range {
	r := n.Range()
	end := int(r.StartByte)
	for end < len(source) && end < int(r.EndByte) && source[end] != '\n' && source[end] != '\r' {
		end++
	}
	r.EndByte = uint32(end)
	r.EndPoint = sitter.Point{Row: r.StartPoint.Row, Column: r.StartPoint.Column + uint32(end) - r.StartByte}
	return r
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Profile is a profile or hat definition.
type Profile struct {
	// Name is the name as written in the header.
	Name string
	// FullName joins the names of enclosing profiles with "//".
	FullName   string
	Attachment string
	Hat        bool
	Range      sitter.Range
	Selection  sitter.Range
}

// Profiles flattens all profile definitions of a document in document
// order.
func Profiles(root *sitter.Node, source []byte) []Profile {
	var out []Profile
	var visit func(n *sitter.Node, parent string)
	visit = func(n *sitter.Node, parent string) {
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			switch c.Type() {
			case grammar.KindProfile:
				header := c.Child(0)
				name := header.ChildByFieldName("name")
				p := Profile{
					Name:      unquote(name.Content(source)),
					Hat:       isHat(header),
					Range:     c.Range(),
					Selection: name.Range(),
				}
				p.FullName = p.Name
				if parent != "" {
					p.FullName = parent + "//" + p.Name
				}
				if a := header.ChildByFieldName("attachment"); a != nil {
					p.Attachment = unquote(a.Content(source))
				} else if strings.HasPrefix(p.Name, "/") {
					p.Attachment = p.Name
				}
				out = append(out, p)
				visit(c, p.FullName)
			case grammar.KindConditionalRule, grammar.KindError:
				visit(c, parent)
			}
		}
	}
	visit(root, "")
	return out
}

// Variable is an assignment to a @{variable}.
type Variable struct {
	Name   string
	Append bool
	Values []string
	Range  sitter.Range
}

// Variables returns the variable assignments of a document.
func Variables(root *sitter.Node, source []byte) []Variable {
	var out []Variable
	parser.Walk(root, func(n *sitter.Node) bool {
		if n.Type() != grammar.KindTunablesAssignmentLine {
			return true
		}
		v := n.ChildByFieldName("var")
		out = append(out, Variable{
			Name:   v.Content(source),
			Append: n.ChildByFieldName("op").Content(source) == "+=",
			Values: splitValues(n.ChildByFieldName("value").Content(source)),
			Range:  v.Range(),
		})
		return false
	})
	return out
}

// splitValues splits a value list on blanks outside quotes.
func splitValues(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
			cur.WriteByte(c)
		case (c == ' ' || c == '\t') && !quoted:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Reference is a use of @{name} inside a rule.
type Reference struct {
	Name  string
	Range sitter.Range
}

var referencePattern = regexp.MustCompile(`@\{([A-Za-z][A-Za-z0-9_]*)\}`)

// tokens whose text may contain variable references
var referenceTokens = map[string]bool{
	grammar.KindTunableVar:         true,
	grammar.KindVarPath:            true,
	grammar.KindQuotedPath:         true,
	grammar.KindBarePath:           true,
	grammar.KindProfileName:        true,
	grammar.KindFlagsVarPath:       true,
	grammar.KindFlagsBarePath:      true,
	grammar.KindFlagsValue:         true,
	grammar.KindIdentifierWithVars: true,
	grammar.KindTunableValue:       true,
	grammar.KindRestOfLine:         true,
	grammar.KindSignalFragment:     true,
	grammar.KindSignalContFragment: true,
	grammar.KindDbusFragment:       true,
	grammar.KindDbusContFragment:   true,
	grammar.KindUnixFragment:       true,
	grammar.KindUnixContFragment:   true,
}

// References returns every variable reference outside of comments and the
// left-hand side of assignments.
func References(root *sitter.Node, source []byte) []Reference {
	var out []Reference
	parser.Walk(root, func(n *sitter.Node) bool {
		if !referenceTokens[n.Type()] {
			return true
		}
		if p := n.Parent(); p != nil && p.Type() == grammar.KindTunablesAssignmentLine && parser.FieldName(n) == "var" {
			return false
		}
		text := n.Content(source)
		for _, m := range referencePattern.FindAllStringSubmatchIndex(text, -1) {
			out = append(out, Reference{
				Name:  text[m[0]:m[1]],
				Range: SubRange(n, source, m[0], m[1]),
			})
		}
		return false
	})
	return out
}

// SubRange is the range of bytes [from, to) of the text of n.
func SubRange(n *sitter.Node, source []byte, from, to int) sitter.Range {
	start := int(n.StartByte())
	return sitter.Range{
		StartByte:  uint32(start + from),
		EndByte:    uint32(start + to),
		StartPoint: pointAt(n.StartPoint(), source[start:start+from]),
		EndPoint:   pointAt(n.StartPoint(), source[start:start+to]),
	}
}

func pointAt(p sitter.Point, text []byte) sitter.Point {
	for _, c := range text {
		if c == '\n' {
			p.Row++
			p.Column = 0
		} else {
			p.Column++
		}
	}
	return p
}

// FoldingRange is a foldable span of lines.
type FoldingRange struct {
	StartLine uint32
	EndLine   uint32
	Kind      protocol.FoldingRangeKind
}

// FoldingRanges returns the blocks and comment runs of a document that
// span more than one line.
func FoldingRanges(root *sitter.Node) []FoldingRange {
	var out []FoldingRange
	var comments *FoldingRange

	flush := func() {
		if comments != nil && comments.EndLine > comments.StartLine {
			out = append(out, *comments)
		}
		comments = nil
	}

	parser.Walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case grammar.KindCommentLine:
			line := n.StartPoint().Row
			if comments != nil && comments.EndLine+1 == line {
				comments.EndLine = line
			} else {
				flush()
				comments = &FoldingRange{StartLine: line, EndLine: line, Kind: protocol.FoldingRangeKindComment}
			}
			return false
		case grammar.KindNewline:
			return false
		}
		if n.Type() != grammar.KindSourceFile {
			flush()
		}
		switch n.Type() {
		case grammar.KindProfile, grammar.KindModifierBlock, grammar.KindConditionalRule,
			grammar.KindSignalRuleLine, grammar.KindDbusRuleLine, grammar.KindUnixRuleLine:
			start, end := n.StartPoint().Row, lastLine(n)
			if end > start {
				out = append(out, FoldingRange{StartLine: start, EndLine: end, Kind: protocol.FoldingRangeKindRegion})
			}
		}
		return true
	})
	flush()
	return out
}

// lastLine is the row of the last character of n, ignoring a trailing
// line break.
func lastLine(n *sitter.Node) uint32 {
	end := n.EndPoint()
	if end.Column == 0 && end.Row > n.StartPoint().Row {
		return end.Row - 1
	}
	return end.Row
}
