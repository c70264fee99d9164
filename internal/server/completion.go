package server

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
)

var keywords = []string{
	"abi", "alias", "all", "allow", "audit", "capability", "change_profile",
	"dbus", "deny", "file", "hat", "include", "io_uring", "link", "mount",
	"mqueue", "network", "owner", "pivot_root", "profile", "ptrace",
	"remount", "set rlimit", "signal", "umount", "unix", "userns",
}

var (
	includePrefix    = regexp.MustCompile(`^\s*#?include\s+(?:if\s+exists\s+)?<([^>\s]*)$`)
	variablePrefix   = regexp.MustCompile(`@\{[A-Za-z0-9_]*$`)
	capabilityPrefix = regexp.MustCompile(`^\s*(?:(?:audit|deny|allow|quiet)\s+)*capability(?:\s+[a-z_]+)*\s+[a-z_]*$`)
	rlimitPrefix     = regexp.MustCompile(`^\s*set\s+rlimit\s+[a-z]*$`)
	signalPrefix     = regexp.MustCompile(`\bsignal\b.*\bset\s*=\s*\(?(?:[a-z0-9]+[\s,]+)*[a-z0-9]*$`)
	networkPrefix    = regexp.MustCompile(`^\s*(?:(?:audit|deny|allow|quiet)\s+)*network\s+[a-z0-9]*$`)
	flagsPrefix      = regexp.MustCompile(`flags\s*=\s*\((?:[a-z_]+[\s,]+)*[a-z_]*$`)
	keywordPrefix    = regexp.MustCompile(`^\s*[a-z_]*$`)
)

func itemKind(k protocol.CompletionItemKind) *protocol.CompletionItemKind {
	return &k
}

func items(labels []string, kind protocol.CompletionItemKind, detail string) []protocol.CompletionItem {
	out := make([]protocol.CompletionItem, 0, len(labels))
	for _, l := range labels {
		item := protocol.CompletionItem{Label: l, Kind: itemKind(kind)}
		if detail != "" {
			d := detail
			item.Detail = &d
		}
		out = append(out, item)
	}
	return out
}

// complete suggests completions for the text of a line before the cursor.
// variables are those visible to the document.
func complete(line string, variables []string) []protocol.CompletionItem {
	if m := includePrefix.FindStringSubmatch(line); m != nil {
		return includeItems(m[1])
	}
	if variablePrefix.MatchString(line) {
		names := append([]string{"@{profile_name}", "@{attach_path}"}, variables...)
		sort.Strings(names)
		return items(dedupe(names), protocol.CompletionItemKindVariable, "variable")
	}
	switch {
	case capabilityPrefix.MatchString(line):
		return items(grammar.Capabilities(), protocol.CompletionItemKindConstant, "capability")
	case rlimitPrefix.MatchString(line):
		return items(grammar.Rlimits(), protocol.CompletionItemKindConstant, "rlimit")
	case signalPrefix.MatchString(line):
		return items(grammar.Signals(), protocol.CompletionItemKindConstant, "signal")
	case networkPrefix.MatchString(line):
		return items(grammar.NetworkDomains(), protocol.CompletionItemKindConstant, "address family")
	case flagsPrefix.MatchString(line):
		return items(grammar.ProfileFlags(), protocol.CompletionItemKindConstant, "profile flag")
	case keywordPrefix.MatchString(line):
		return items(keywords, protocol.CompletionItemKindKeyword, "")
	}
	return nil
}

// includeItems lists the files and directories below the search paths
// that match a partial <include> path.
func includeItems(partial string) []protocol.CompletionItem {
	dir := ""
	if i := strings.LastIndex(partial, "/"); i >= 0 {
		dir = partial[:i]
	}

	seen := map[string]bool{}
	var out []protocol.CompletionItem
	for _, sp := range resolver.SearchPaths() {
		entries, err := os.ReadDir(filepath.Join(sp, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if seen[name] || resolver.IgnoreFile(name) {
				continue
			}
			seen[name] = true
			kind := protocol.CompletionItemKindFile
			if e.IsDir() {
				kind = protocol.CompletionItemKindFolder
				name += "/"
			}
			out = append(out, protocol.CompletionItem{Label: name, Kind: itemKind(kind)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func dedupe(sorted []string) []string {
	var out []string
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
