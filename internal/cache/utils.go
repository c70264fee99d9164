package cache

import (
	"fmt"
	"sort"

	lsp "github.com/tliron/glsp/protocol_3_16"
)

// getTargets indexes links by target, ensuring that all links
// start at path. Links to the same target are merged.
func getTargets(path Path, links []Link) (map[Path]Link, error) {
	m := make(map[Path]Link, len(links))
	for _, link := range links {
		if link.Source != path {
			err := fmt.Errorf(
				"%w: source %s does not match note path %s",
				ErrInvalidLink,
				link.Source,
				path,
			)
			return nil, err
		}
		if prev, ok := m[link.Target]; ok {
			link.Ranges = append(append([]lsp.Range(nil), prev.Ranges...), link.Ranges...)
			link.Optional = link.Optional && prev.Optional
		}
		m[link.Target] = link
	}
	return m, nil
}

// diff returns the targets only in a and only in b, sorted.
func diff[V any](a, b map[Path]V) ([]Path, []Path) {
	var onlyA, onlyB []Path
	for tgt := range a {
		if _, found := b[tgt]; !found {
			onlyA = append(onlyA, tgt)
		}
	}
	for tgt := range b {
		if _, found := a[tgt]; !found {
			onlyB = append(onlyB, tgt)
		}
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	return onlyA, onlyB
}

func sortedLinks(m map[Path]Link) []Link {
	out := make([]Link, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func copyMeta(m Meta) Meta {
	return Meta{
		Profiles:  append([]string(nil), m.Profiles...),
		Variables: append([]string(nil), m.Variables...),
	}
}
