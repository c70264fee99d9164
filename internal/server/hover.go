package server

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
)

var ruleDescriptions = map[string]string{
	grammar.KindCapabilityRuleLine:     "Grants Linux capabilities.",
	grammar.KindNetworkRuleLine:        "Mediates socket access by address family, type and protocol.",
	grammar.KindSignalRuleLine:         "Mediates sending and receiving signals.",
	grammar.KindPtraceRuleLine:         "Mediates ptrace between profiles.",
	grammar.KindDbusRuleLine:           "Mediates D-Bus messages.",
	grammar.KindUnixRuleLine:           "Mediates Unix domain sockets.",
	grammar.KindMountRuleLine:          "Mediates mount operations.",
	grammar.KindRemountRuleLine:        "Mediates remount operations.",
	grammar.KindUmountRuleLine:         "Mediates umount operations.",
	grammar.KindPivotRootRuleLine:      "Mediates pivot_root.",
	grammar.KindChangeProfileRuleLine:  "Allows changing to another profile.",
	grammar.KindMqueueRuleLine:         "Mediates POSIX and System V message queues.",
	grammar.KindIoUringRuleLine:        "Mediates io_uring.",
	grammar.KindUsernsRuleLine:         "Allows creating user namespaces.",
	grammar.KindLinkRuleLine:           "Allows creating hard links.",
	grammar.KindAllRuleLine:            "Allows everything.",
	grammar.KindFileRuleLine:           "File access rule.",
	grammar.KindFileDirectiveLine:      "File access rule.",
	grammar.KindExecRuleLine:           "Exec rule.",
	grammar.KindRlimitRuleLine:         "Sets a resource limit for the confined task.",
	grammar.KindIncludeLine:            "Includes another policy file.",
	grammar.KindAbiLine:                "Selects the feature ABI the policy is written against.",
	grammar.KindAliasLine:              "Rewrites a path prefix before mediation.",
	grammar.KindTunablesAssignmentLine: "Variable assignment.",
}

var flagDescriptions = map[string]string{
	"complain":            "log violations without enforcing them",
	"enforce":             "enforce the profile (default)",
	"kill":                "kill the task on a violation",
	"unconfined":          "no mediation, only transitions",
	"audit":               "audit every access",
	"prompt":              "ask a user space agent on violations",
	"attach_disconnected": "resolve disconnected paths relative to the namespace root",
	"mediate_deleted":     "mediate deleted files by their former path",
	"default_allow":       "allow what is not denied",
}

// describe returns markdown explaining the syntax at pt.
func describe(root *sitter.Node, source []byte, pt sitter.Point) (string, sitter.Range, bool) {
	n := root.NamedDescendantForPointRange(pt, pt)
	if n == nil || n.Type() == grammar.KindSourceFile {
		return "", sitter.Range{}, false
	}
	text := n.Content(source)

	switch n.Type() {
	case grammar.KindPermSet:
		return describePerms(text), n.Range(), true

	case grammar.KindExecMode:
		if d, ok := grammar.DescribeExecMode(text); ok {
			return fmt.Sprintf("**%s**: %s", text, d), n.Range(), true
		}

	case grammar.KindRlimitName:
		if !grammar.IsRlimit(text) {
			break
		}
		unit := "a count"
		switch grammar.RlimitUnitClass(text) {
		case grammar.UnitSize:
			unit = "bytes, with K, M or G suffixes"
		case grammar.UnitTime:
			unit = "time, with units such as ms, s or min"
		}
		return fmt.Sprintf("**rlimit %s**, measured in %s", text, unit), n.Range(), true

	case grammar.KindProfileName, grammar.KindNsProfileName:
		for _, p := range symbols.Profiles(root, source) {
			if p.Selection == n.Range() {
				return profileText(p), n.Range(), true
			}
		}

	case grammar.KindRestOfLine:
		if parent := n.Parent(); parent != nil && parent.Type() == grammar.KindCapabilityRuleLine {
			if w, r, ok := wordAt(n, source, pt); ok && grammar.IsCapability(w) {
				return fmt.Sprintf("**CAP_%s**\n\nLinux capability, see capabilities(7).", strings.ToUpper(w)), r, true
			}
		}
	}

	for p := n; p != nil; p = p.Parent() {
		if p.Type() == grammar.KindFlagEntry {
			key := flagKey(p, source)
			if d, ok := flagDescriptions[key]; ok {
				return fmt.Sprintf("**flag %s**: %s", key, d), p.Range(), true
			}
			if grammar.IsProfileFlag(key) {
				return fmt.Sprintf("**flag %s**", key), p.Range(), true
			}
			break
		}
		if d, ok := ruleDescriptions[p.Type()]; ok {
			return fmt.Sprintf("`%s`\n\n%s", p.Type(), d), p.Range(), true
		}
	}
	return fmt.Sprintf("`%s`", n.Type()), n.Range(), true
}

func describePerms(perms string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", perms)

	var mode strings.Builder
	for i := 0; i < len(perms); i++ {
		c := perms[i]
		if strings.IndexByte("ipPcCuU", c) >= 0 {
			mode.WriteByte(c)
			continue
		}
		if c == 'x' || c == 'X' {
			mode.WriteByte('x')
			continue
		}
		if d, ok := grammar.DescribePerm(c); ok {
			fmt.Fprintf(&b, "\n- `%c` %s", c, d)
		}
	}
	if m := mode.String(); m != "" {
		if d, ok := grammar.DescribeExecMode(m); ok {
			fmt.Fprintf(&b, "\n- `%s` %s", m, d)
		} else if d, ok := grammar.DescribePerm('x'); ok && m == "x" {
			fmt.Fprintf(&b, "\n- `x` %s", d)
		}
	}
	return b.String()
}

func profileText(p symbols.Profile) string {
	kind := "profile"
	if p.Hat {
		kind = "hat"
	}
	text := fmt.Sprintf("**%s %s**", kind, p.FullName)
	if p.Attachment != "" {
		text += fmt.Sprintf("\n\nattached to `%s`", p.Attachment)
	}
	return text
}

// flagKey returns the name of a profile flag, without any value.
func flagKey(entry *sitter.Node, source []byte) string {
	key := entry
	if k := entry.ChildByFieldName("key"); k != nil {
		key = k
	}
	text := strings.TrimSpace(key.Content(source))
	if i := strings.IndexByte(text, '='); i >= 0 {
		text = text[:i]
	}
	return text
}

// wordAt returns the blank or comma separated word of n under pt.
func wordAt(n *sitter.Node, source []byte, pt sitter.Point) (string, sitter.Range, bool) {
	if pt.Row != n.StartPoint().Row || n.StartPoint().Row != n.EndPoint().Row {
		return "", sitter.Range{}, false
	}
	text := n.Content(source)
	off := int(pt.Column) - int(n.StartPoint().Column)
	if off < 0 || off > len(text) {
		return "", sitter.Range{}, false
	}
	sep := func(c byte) bool { return c == ' ' || c == '\t' || c == ',' }
	from, to := off, off
	for from > 0 && !sep(text[from-1]) {
		from--
	}
	for to < len(text) && !sep(text[to]) {
		to++
	}
	if from == to {
		return "", sitter.Range{}, false
	}
	return text[from:to], symbols.SubRange(n, source, from, to), true
}
