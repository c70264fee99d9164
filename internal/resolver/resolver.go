package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ne-bknn/tree-sitter-apparmor/grammar"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/cache"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/parser"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/sitteradapter"
	"github.com/ne-bknn/tree-sitter-apparmor/internal/symbols"
)

var log = commonlog.GetLogger("apparmor.resolver")

// File is a policy file known under several names.
type File struct {
	URI          protocol.DocumentUri
	AbsolutePath string
	RelativePath string
	CachePath    cache.Path
}

var ErrInvalidInclude = errors.New("resolver: invalid include path")

var (
	mu          sync.RWMutex
	root        = "."
	searchPaths []string
	ignore      []string
)

// Configure sets the workspace root, the directories searched for
// <...> includes and the base name patterns of ignored files.
func Configure(configRoot string, configSearchPaths []string, ignorePatterns []string) error {
	absRoot, err := filepath.Abs(configRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve root %q: %w", configRoot, err)
	}
	for _, p := range ignorePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}

	var paths []string
	for _, sp := range configSearchPaths {
		if !filepath.IsAbs(sp) {
			sp = filepath.Join(absRoot, sp)
		}
		paths = append(paths, filepath.Clean(sp))
	}
	if len(paths) == 0 {
		paths = []string{absRoot}
	}

	mu.Lock()
	defer mu.Unlock()
	root = absRoot
	searchPaths = paths
	ignore = append([]string(nil), ignorePatterns...)
	log.Infof("root %s, search paths %v", root, searchPaths)
	return nil
}

func Root() string {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func SearchPaths() []string {
	mu.RLock()
	defer mu.RUnlock()
	return append([]string(nil), searchPaths...)
}

// Resolve accepts a file:// URI, an absolute path or a path relative to
// the root, which is also the form of cache paths.
func Resolve(base string) (File, error) {
	if base == "" {
		return File{}, fmt.Errorf("empty path")
	}
	if strings.HasPrefix(base, "file://") {
		u, err := url.Parse(base)
		if err != nil {
			return File{}, fmt.Errorf("failed to parse uri: %w", err)
		}
		return resolveAbsolute(u.Path), nil
	}
	if filepath.IsAbs(base) {
		return resolveAbsolute(base), nil
	}
	return resolveAbsolute(filepath.Join(Root(), base)), nil
}

func resolveAbsolute(absolutepath string) File {
	cleaned := filepath.Clean(absolutepath)
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(cleaned),
	}

	// Files outside the root keep their absolute path as cache path.
	cachePath := cleaned
	rel, err := filepath.Rel(Root(), cleaned)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		cachePath = rel
	} else {
		rel = cleaned
	}

	return File{
		URI:          protocol.DocumentUri(u.String()),
		AbsolutePath: cleaned,
		RelativePath: rel,
		CachePath:    cache.Path(filepath.ToSlash(cachePath)),
	}
}

// ResolveInclude maps the path of an include statement to the files it
// names. found is false when nothing exists at the path; targets then
// holds the most likely location. Directory includes expand to the
// regular files directly inside the directory.
func ResolveInclude(source File, raw string) (targets []File, found bool, err error) {
	raw = strings.TrimSpace(raw)
	var candidates []string

	switch {
	case strings.HasPrefix(raw, "<") && strings.HasSuffix(raw, ">") && len(raw) > 2:
		name := strings.TrimSpace(raw[1 : len(raw)-1])
		if filepath.IsAbs(name) {
			candidates = []string{name}
			break
		}
		for _, sp := range SearchPaths() {
			candidates = append(candidates, filepath.Join(sp, name))
		}
	case len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"':
		candidates = []string{relativeTo(source, raw[1:len(raw)-1])}
	default:
		candidates = []string{relativeTo(source, raw)}
	}

	for _, c := range candidates {
		if c == "" || strings.Contains(c, "@{") {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidInclude, raw)
		}
	}

	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			return []File{resolveAbsolute(c)}, true, nil
		}
		return expandDir(c), true, nil
	}
	return []File{resolveAbsolute(candidates[0])}, false, nil
}

func relativeTo(source File, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(source.AbsolutePath), p)
}

func expandDir(dir string) []File {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warningf("failed to read include directory %s: %s", dir, err)
		return nil
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || IgnoreFile(e.Name()) {
			continue
		}
		files = append(files, resolveAbsolute(filepath.Join(dir, e.Name())))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].AbsolutePath < files[j].AbsolutePath })
	return files
}

// ExtractIncludes turns the include captures of a document into links.
// Several includes of the same file become one link with several ranges.
func ExtractIncludes(file File, nodes []*sitter.Node, document []byte) []cache.Link {
	var links []cache.Link
	index := map[cache.Path]int{}

	for _, n := range nodes {
		inc, ok := IncludeAt(n, document)
		if !ok {
			continue
		}
		targets, found, err := ResolveInclude(file, inc.Path)
		if err != nil {
			log.Debugf("skipping include in %s: %s", file.CachePath, err)
			continue
		}
		r := sitteradapter.RangeToLSP(inc.Range, string(document))

		for _, target := range targets {
			if i, ok := index[target.CachePath]; ok {
				links[i].Ranges = append(links[i].Ranges, r)
				links[i].Optional = links[i].Optional && inc.Optional
				continue
			}
			if !found && !inc.Optional {
				log.Debugf("unresolved include %s in %s", target.CachePath, file.CachePath)
			}
			index[target.CachePath] = len(links)
			links = append(links, cache.Link{
				Source:   file.CachePath,
				Target:   target.CachePath,
				Ranges:   []protocol.Range{r},
				Optional: inc.Optional,
			})
		}
	}
	return links
}

// Include is an include statement as written.
type Include struct {
	// Path is the <path> or "path" text.
	Path     string
	Range    sitter.Range
	Optional bool
}

var hashInclude = regexp.MustCompile(`^#include[ \t]+(if[ \t]+exists[ \t]+)?(<[^>]*>|"[^"]*")`)

// IncludeAt reads an include from the path node of an include statement or
// from a comment spelled "#include <path>", which the grammar cannot tell
// apart from other comments.
func IncludeAt(n *sitter.Node, document []byte) (Include, bool) {
	if n.Type() != grammar.KindComment {
		line := n.Parent()
		return Include{
			Path:     n.Content(document),
			Range:    n.Range(),
			Optional: line != nil && parser.HasToken(line, "exists"),
		}, true
	}
	text := n.Content(document)
	m := hashInclude.FindStringSubmatchIndex(text)
	if m == nil {
		return Include{}, false
	}
	return Include{
		Path:     text[m[4]:m[5]],
		Range:    symbols.SubRange(n, document, m[4], m[5]),
		Optional: m[2] >= 0,
	}, true
}

// IgnoreDir reports whether the scanner should skip a directory.
func IgnoreDir(path string) bool {
	base := filepath.Base(path)
	if base != "." && strings.HasPrefix(base, ".") {
		return true
	}
	return matchIgnore(base)
}

// IgnoreFile reports whether a file is not policy, such as a package
// manager backup.
func IgnoreFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	return matchIgnore(base)
}

func matchIgnore(base string) bool {
	mu.RLock()
	defer mu.RUnlock()
	for _, p := range ignore {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
