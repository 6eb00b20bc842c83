package sourceextract

import (
	"path"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// splitComponents splits an absolute or relative path into its non-empty
// components.
func splitComponents(p string) []string {
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// candidate is one file found inside a source tree (directory or
// archive), identified by its path relative to the tree root.
type candidate struct {
	relPath    string
	components []string
}

// matchLongestSuffix implements §4.C's matching rule: the longest suffix
// of want (on path-component boundaries) that matches any candidate's
// tail wins. Ties among candidates at that suffix length are broken by
// shallowest depth, then lexicographic order (§9 design note). It reports
// whether more than one candidate tied, so the caller can log it.
func matchLongestSuffix(want string, candidates []candidate) (relPath string, tied bool, found bool) {
	wantComponents := splitComponents(want)
	if len(wantComponents) == 0 || len(candidates) == 0 {
		return "", false, false
	}

	for suffixLen := len(wantComponents); suffixLen >= 1; suffixLen-- {
		suffix := wantComponents[len(wantComponents)-suffixLen:]
		var matched []candidate
		for _, c := range candidates {
			if len(c.components) < suffixLen {
				continue
			}
			tail := c.components[len(c.components)-suffixLen:]
			if slices.Equal(tail, suffix) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if len(matched) == 1 {
			return matched[0].relPath, false, true
		}
		sort.Slice(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if len(a.components) != len(b.components) {
				return len(a.components) < len(b.components)
			}
			return a.relPath < b.relPath
		})
		return matched[0].relPath, true, true
	}
	return "", false, false
}

func newCandidate(relPath string) candidate {
	return candidate{relPath: relPath, components: splitComponents(relPath)}
}
