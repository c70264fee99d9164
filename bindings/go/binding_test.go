package tree_sitter_apparmor_test

import (
	"context"
	"sync"
	"testing"
	"unsafe"

	sitter "github.com/smacker/go-tree-sitter"

	tree_sitter_apparmor "github.com/ne-bknn/tree-sitter-apparmor/bindings/go"
)

func TestCanLoadGrammar(t *testing.T) {
	language := sitter.NewLanguage(tree_sitter_apparmor.Language())
	if language == nil {
		t.Errorf("Error loading AppArmor grammar")
	}
}

func TestLanguageIsStable(t *testing.T) {
	first := tree_sitter_apparmor.Language()
	for i := 0; i < 100; i++ {
		if got := tree_sitter_apparmor.Language(); got != first {
			t.Fatalf("call %d returned %p, want %p", i, got, first)
		}
	}
}

func TestLanguageConcurrentAccess(t *testing.T) {
	want := tree_sitter_apparmor.Language()

	var wg sync.WaitGroup
	results := make([]unsafe.Pointer, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tree_sitter_apparmor.Language()
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != want {
			t.Errorf("goroutine %d got a different language", i)
		}
	}
}

func TestGrammarParsesProfile(t *testing.T) {
	language := sitter.NewLanguage(tree_sitter_apparmor.Language())
	root, err := sitter.ParseCtx(context.Background(), []byte("profile foo /usr/bin/foo {\n  /etc/foo r,\n}\n"), language)
	if err != nil {
		t.Fatal(err)
	}
	if root.HasError() {
		t.Fatalf("unexpected syntax error: %s", root)
	}
	profile := root.NamedChild(0)
	if profile.Type() != "profile" {
		t.Fatalf("first node is %q", profile.Type())
	}
	name := profile.Child(0).ChildByFieldName("name")
	if name == nil || name.Type() != "profile_name" {
		t.Errorf("profile header has no name: %s", profile.Child(0))
	}
	if got := language.FieldName(1); got != "attachment" {
		t.Errorf("first field is %q", got)
	}
}
