// Package analysis reports problems in a parsed policy beyond what the
// grammar rejects.
package analysis

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
)

var log = commonlog.GetLogger("apparmor.analysis")

// Check IDs. Each can be disabled by name.
const (
	CheckSyntax            = "syntax"
	CheckModifierOrder     = "modifier-order"
	CheckCapability        = "unknown-capability"
	CheckSignal            = "unknown-signal"
	CheckRlimit            = "rlimit"
	CheckNetwork           = "unknown-network"
	CheckFlags             = "unknown-flag"
	CheckPermissions       = "permissions"
	CheckBareExec          = "bare-x"
	CheckTransition        = "transition"
	CheckDuplicateProfile  = "duplicate-profile"
	CheckUndefinedVariable = "undefined-variable"
	CheckInclude           = "unresolved-include"
)

var allChecks = []string{
	CheckSyntax, CheckModifierOrder, CheckCapability, CheckSignal,
	CheckRlimit, CheckNetwork, CheckFlags, CheckPermissions, CheckBareExec,
	CheckTransition, CheckDuplicateProfile, CheckUndefinedVariable,
	CheckInclude,
}

// Checks returns the IDs of all checks.
func Checks() []string {
	return append([]string(nil), allChecks...)
}

// IsCheck reports whether id names a check.
func IsCheck(id string) bool {
	for _, c := range allChecks {
		if c == id {
			return true
		}
	}
	return false
}

// Variables every profile may use without defining them.
var builtinVariables = []string{"@{profile_name}", "@{attach_path}"}

// Diagnostic is a single finding.
type Diagnostic struct {
	Check    string                      `json:"check" yaml:"check"`
	Severity protocol.DiagnosticSeverity `json:"severity" yaml:"severity"`
	Message  string                      `json:"message" yaml:"message"`
	Range    sitter.Range                `json:"-" yaml:"-"`
}

// Options tune a run of Analyze.
type Options struct {
	// Disabled lists check IDs to skip.
	Disabled []string
	// File locates the document for include resolution. Includes are not
	// checked without it.
	File *resolver.File
	// Variables defined by files the document includes or is included by.
	Variables []string
	// ResolveVariables enables the undefined-variable check. Callers set it
	// once every include of the document is known.
	ResolveVariables bool
}

type analyzer struct {
	source   []byte
	opts     Options
	disabled map[string]bool
	diags    []Diagnostic
}

// Analyze runs all enabled checks over a syntax tree.
func Analyze(root *sitter.Node, source []byte, opts Options) []Diagnostic {
	a := &analyzer{source: source, opts: opts, disabled: map[string]bool{}}
	for _, id := range opts.Disabled {
		a.disabled[id] = true
	}

	parser.Walk(root, a.visit)
	a.duplicateProfiles(root)
	if opts.ResolveVariables {
		a.undefinedVariables(root)
	}

	sort.SliceStable(a.diags, func(i, j int) bool {
		return a.diags[i].Range.StartByte < a.diags[j].Range.StartByte
	})
	log.Debugf("%d diagnostics", len(a.diags))
	return a.diags
}

func (a *analyzer) report(check string, severity protocol.DiagnosticSeverity, r sitter.Range, format string, args ...any) {
	if a.disabled[check] {
		return
	}
	a.diags = append(a.diags, Diagnostic{
		Check:    check,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
		Range:    r,
	})
}

func (a *analyzer) text(n *sitter.Node) string {
	return n.Content(a.source)
}

func (a *analyzer) visit(n *sitter.Node) bool {
	if n.IsMissing() {
		a.report(CheckSyntax, protocol.DiagnosticSeverityError, n.Range(), "missing %q", n.Type())
		return false
	}

	switch n.Type() {
	case grammar.KindError:
		a.errorLine(n)
	case grammar.KindIncludeLine:
		a.include(n.ChildByFieldName("path"))
	case grammar.KindComment:
		a.include(n)
	case grammar.KindCapabilityRuleLine:
		a.capability(n)
	case grammar.KindSignalRuleLine:
		a.signal(n)
	case grammar.KindNetworkRuleLine:
		a.network(n)
	case grammar.KindRlimitRuleLine:
		a.rlimit(n)
	case grammar.KindFlags:
		a.flags(n)
	case grammar.KindFileRuleLine, grammar.KindFileDirectiveLine:
		a.fileRule(n)
	case grammar.KindExecRuleLine:
		a.execRule(n)
	}
	return true
}

var modifierOrder = regexp.MustCompile(`^(allow|deny|prompt)\s+audit\b`)

func (a *analyzer) errorLine(n *sitter.Node) {
	r := lineRange(n, a.source)
	line := strings.TrimSpace(string(a.source[r.StartByte:r.EndByte]))
	if m := modifierOrder.FindStringSubmatch(line); m != nil && !a.disabled[CheckModifierOrder] {
		a.report(CheckModifierOrder, protocol.DiagnosticSeverityError, r,
			"audit must come before %s", m[1])
		return
	}
	if len(line) > 40 {
		line = line[:40] + "…"
	}
	a.report(CheckSyntax, protocol.DiagnosticSeverityError, r, "syntax error: unexpected %q", line)
}

// lineRange is the range of the first line of n.
func lineRange(n *sitter.Node, source []byte) sitter.Range {
	start := int(n.StartByte())
	end := start
	for end < int(n.EndByte()) && source[end] != '\n' && source[end] != '\r' {
		end++
	}
	return symbols.SubRange(n, source, 0, end-start)
}

func (a *analyzer) include(n *sitter.Node) {
	if a.opts.File == nil || n == nil {
		return
	}
	inc, ok := resolver.IncludeAt(n, a.source)
	if !ok {
		return
	}
	_, found, err := resolver.ResolveInclude(*a.opts.File, inc.Path)
	switch {
	case errors.Is(err, resolver.ErrInvalidInclude):
		a.report(CheckInclude, protocol.DiagnosticSeverityInformation, inc.Range,
			"include %s cannot be resolved statically", inc.Path)
	case err != nil:
		a.report(CheckInclude, protocol.DiagnosticSeverityWarning, inc.Range, "%s", err)
	case !found && !inc.Optional:
		a.report(CheckInclude, protocol.DiagnosticSeverityWarning, inc.Range,
			"included file %s not found", inc.Path)
	}
}

// word is a token of a rule argument list with its offsets in the text.
type word struct {
	text     string
	from, to int
	// depth is the parenthesis nesting of the word.
	depth int
}

// words splits text on blanks, commas and parentheses.
func words(text string) []word {
	var out []word
	depth, start := 0, -1
	flush := func(i int) {
		if start >= 0 {
			out = append(out, word{text: text[start:i], from: start, to: i, depth: depth})
			start = -1
		}
	}
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case ' ', '\t', '\n', '\r', ',':
			flush(i)
		case '(':
			flush(i)
			depth++
		case ')':
			flush(i)
			if depth > 0 {
				depth--
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(text))
	return out
}

func (a *analyzer) capability(n *sitter.Node) {
	rest := n.ChildByFieldName("rest")
	if rest == nil {
		return
	}
	for _, w := range words(a.text(rest)) {
		if !grammar.IsCapability(w.text) {
			a.report(CheckCapability, protocol.DiagnosticSeverityError,
				symbols.SubRange(rest, a.source, w.from, w.to), "unknown capability %q", w.text)
		}
	}
}

var signalSet = regexp.MustCompile(`set\s*=\s*(\([^)]*\)|[^\s,)]+)`)

func (a *analyzer) signal(n *sitter.Node) {
	for i := 0; i < int(n.ChildCount()); i++ {
		frag := n.Child(i)
		if f := n.FieldNameForChild(i); f != "first" && f != "cont" {
			continue
		}
		text := a.text(frag)
		for _, m := range signalSet.FindAllStringSubmatchIndex(text, -1) {
			for _, w := range words(text[m[2]:m[3]]) {
				name := strings.Trim(w.text, `"`)
				if name == "" || strings.Contains(name, "@{") || grammar.IsSignal(name) {
					continue
				}
				a.report(CheckSignal, protocol.DiagnosticSeverityError,
					symbols.SubRange(frag, a.source, m[2]+w.from, m[2]+w.to), "unknown signal %q", name)
			}
		}
	}
}

func (a *analyzer) network(n *sitter.Node) {
	rest := n.ChildByFieldName("rest")
	if rest == nil {
		return
	}
	for _, w := range words(a.text(rest)) {
		if w.depth > 0 || strings.Contains(w.text, "=") {
			continue
		}
		if grammar.IsNetworkDomain(w.text) || grammar.IsNetworkType(w.text) || grammar.IsNetworkProtocol(w.text) {
			continue
		}
		a.report(CheckNetwork, protocol.DiagnosticSeverityError,
			symbols.SubRange(rest, a.source, w.from, w.to), "unknown network domain or type %q", w.text)
	}
}

func (a *analyzer) rlimit(n *sitter.Node) {
	limit := n.ChildByFieldName("limit")
	name := a.text(limit)
	if !grammar.IsRlimit(name) {
		a.report(CheckRlimit, protocol.DiagnosticSeverityError, limit.Range(), "unknown rlimit %q", name)
		return
	}
	unit := n.ChildByFieldName("unit")
	if unit == nil || a.text(n.ChildByFieldName("value")) == "infinity" {
		return
	}
	if !grammar.ValidRlimitUnit(name, a.text(unit)) {
		a.report(CheckRlimit, protocol.DiagnosticSeverityError, unit.Range(),
			"unit %q is not valid for rlimit %s", a.text(unit), name)
	}
}

func (a *analyzer) flags(n *sitter.Node) {
	for _, e := range parser.NamedChildren(n) {
		if e.Type() != grammar.KindFlagEntry || e.ChildByFieldName("value") != nil {
			continue
		}
		key := e.ChildByFieldName("key")
		if key == nil {
			key = e
		}
		if !grammar.IsProfileFlag(a.text(key)) {
			a.report(CheckFlags, protocol.DiagnosticSeverityWarning, key.Range(), "unknown profile flag %q", a.text(key))
		}
	}
}

// execLetters returns the exec transition qualifiers of a permission set
// and whether it grants x.
func execLetters(perms string) (string, bool) {
	var q strings.Builder
	x := false
	for i := 0; i < len(perms); i++ {
		switch c := perms[i]; c {
		case 'x', 'X':
			x = true
		case 'i', 'p', 'P', 'c', 'C', 'u', 'U':
			q.WriteByte(c)
		}
	}
	return q.String(), x
}

func validQualifiers(q string) bool {
	switch len(q) {
	case 0, 1:
		return true
	case 2:
		return strings.IndexByte("pPcC", q[0]) >= 0 && strings.IndexByte("iuU", q[1]) >= 0
	}
	return false
}

func (a *analyzer) fileRule(n *sitter.Node) {
	perms := n.ChildByFieldName("perms")
	mode := n.ChildByFieldName("mode")
	if perms == nil && mode == nil {
		return
	}
	if perms == nil {
		a.transition(n, mode)
		return
	}

	text := a.text(perms)
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "w") && strings.Contains(lowered, "a") {
		a.report(CheckPermissions, protocol.DiagnosticSeverityError, perms.Range(),
			"w and a permissions conflict, w implies a")
	}

	q, x := execLetters(text)
	switch {
	case !validQualifiers(q):
		a.report(CheckPermissions, protocol.DiagnosticSeverityError, perms.Range(),
			"conflicting exec modes in %q", text)
	case q != "" && !x:
		a.report(CheckPermissions, protocol.DiagnosticSeverityError, perms.Range(),
			"exec mode %q needs x", q)
	case q == "" && x && !denied(n, a.source):
		a.report(CheckBareExec, protocol.DiagnosticSeverityError, perms.Range(),
			"x needs an exec mode such as ix, px or cx outside deny rules")
	}
	a.transition(n, perms)
}

func (a *analyzer) execRule(n *sitter.Node) {
	if mode := n.ChildByFieldName("mode"); mode != nil {
		a.transition(n, mode)
	}
}

// transition rejects named targets for modes that do not change profile.
func (a *analyzer) transition(n, perms *sitter.Node) {
	target := n.ChildByFieldName("target")
	if target == nil {
		return
	}
	switch q, _ := execLetters(a.text(perms)); q {
	case "i", "u", "U":
		a.report(CheckTransition, protocol.DiagnosticSeverityError, target.Range(),
			"%sx rules cannot name a transition target", q)
	}
}

// denied reports whether a rule carries deny or sits in a deny block.
func denied(n *sitter.Node, source []byte) bool {
	for p := n; p != nil; p = p.Parent() {
		if p.Type() != n.Type() && p.Type() != grammar.KindModifierBlock {
			continue
		}
		for _, c := range parser.NamedChildren(p) {
			if c.Type() != grammar.KindRuleModifiers {
				continue
			}
			for _, w := range strings.Fields(c.Content(source)) {
				if w == "deny" {
					return true
				}
			}
		}
	}
	return false
}

func (a *analyzer) duplicateProfiles(root *sitter.Node) {
	seen := map[string]bool{}
	for _, p := range symbols.Profiles(root, a.source) {
		if seen[p.FullName] {
			a.report(CheckDuplicateProfile, protocol.DiagnosticSeverityError, p.Selection,
				"profile %s is defined more than once", p.FullName)
		}
		seen[p.FullName] = true
	}
}

func (a *analyzer) undefinedVariables(root *sitter.Node) {
	defined := map[string]bool{}
	for _, v := range builtinVariables {
		defined[v] = true
	}
	for _, v := range a.opts.Variables {
		defined[v] = true
	}
	for _, v := range symbols.Variables(root, a.source) {
		defined[v.Name] = true
	}
	for _, ref := range symbols.References(root, a.source) {
		if !defined[ref.Name] {
			a.report(CheckUndefinedVariable, protocol.DiagnosticSeverityWarning, ref.Range,
				"variable %s is not defined", ref.Name)
		}
	}
}
