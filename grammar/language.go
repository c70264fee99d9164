// Package grammar holds the static description of the AppArmor policy
// language: node kinds, keywords and the vocabulary tables used to
// validate rule arguments.
//
// The tree-sitter language is loaded once and never mutated, so it can be
// shared freely between goroutines.
package grammar

import (
	"sort"
	"sync"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"

	tree_sitter_apparmor "github.com/ne-bknn/tree-sitter-apparmor/bindings/go"
)

// Name is the language name used in editor configuration.
const Name = "apparmor"

var (
	once     sync.Once
	lang     *sitter.Language
	kinds    []string
	fields   []string
	keywords map[string]struct{}
)

// Language returns the process-wide tree-sitter language.
func Language() *sitter.Language {
	load()
	return lang
}

func load() {
	once.Do(func() {
		lang = sitter.NewLanguage(tree_sitter_apparmor.Language())
		keywords = make(map[string]struct{})

		seen := map[string]bool{}
		for i := uint32(0); i < lang.SymbolCount(); i++ {
			s := sitter.Symbol(i)
			name := lang.SymbolName(s)
			switch lang.SymbolType(s) {
			case sitter.SymbolTypeRegular:
				if !seen[name] {
					seen[name] = true
					kinds = append(kinds, name)
				}
			case sitter.SymbolTypeAnonymous:
				if isWord(name) {
					keywords[name] = struct{}{}
				}
			}
		}
		sort.Strings(kinds)

		for id := 1; ; id++ {
			f := lang.FieldName(id)
			if f == "" {
				break
			}
			fields = append(fields, f)
		}
	})
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '_' {
			return false
		}
	}
	return s != ""
}

// IsKeyword reports whether word is a reserved word of the grammar.
func IsKeyword(word string) bool {
	load()
	_, ok := keywords[word]
	return ok
}

// NodeKinds returns the sorted names of all named node kinds.
func NodeKinds() []string {
	load()
	return append([]string(nil), kinds...)
}

// FieldNames returns the field names in field id order.
func FieldNames() []string {
	load()
	return append([]string(nil), fields...)
}

// RuleKeywords returns the keywords that may begin a rule.
func RuleKeywords() []string {
	out := make([]string, len(ruleKeywords))
	copy(out, ruleKeywords[:])
	return out
}
