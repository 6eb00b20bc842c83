// Package sourceextract implements §4.C of the debuginfod indexer: given a
// derivation and a compile-time absolute source path recorded in DWARF, it
// locates and streams the matching bytes from the derivation's source
// trees — directories, tar/cpio archives, or (recursively, bounded) the
// source trees of derivations it depends on.
package sourceextract

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/distr1/debugindexd/internal/storeadapter"
)

// ErrNotFound is returned when no source tree reachable from the deriver
// contains a file matching the requested path.
var ErrNotFound = errors.New("sourceextract: no matching source file")

// defaultMaxDepth bounds the cross-derivation recursion of §4.C step 4 /
// §9's "Recursive source lookup... bound recursion depth at a small
// constant (e.g. 4)".
const defaultMaxDepth = 4

// Extractor resolves DWARF-recorded source paths against a derivation's
// source trees.
type Extractor struct {
	Adapter  *storeadapter.Adapter
	MaxDepth int

	neg *negativeCache
}

// New returns an Extractor backed by adapter.
func New(adapter *storeadapter.Adapter) *Extractor {
	return &Extractor{
		Adapter:  adapter,
		MaxDepth: defaultMaxDepth,
		neg:      newNegativeCache(),
	}
}

// ResetEpoch clears the per-derivation negative-match cache; call at the
// start of each indexation epoch.
func (e *Extractor) ResetEpoch() { e.neg.reset() }

// Resolve finds the bytes of want (a DWARF-recorded absolute compile-time
// path, conventionally rooted at /build/source) reachable from deriver. On
// success it returns a path to stream to the client (which may be a
// directory member read directly, or a temp file extracted from an
// archive) and a cleanup function the caller must invoke once the response
// is complete, regardless of how the request ended (§9).
func (e *Extractor) Resolve(ctx context.Context, deriver storeadapter.StorePath, want string) (path string, cleanup func(), err error) {
	visited := make(map[storeadapter.StorePath]bool)
	return e.resolve(ctx, deriver, want, 0, visited)
}

func noopCleanup() {}

func (e *Extractor) resolve(ctx context.Context, drv storeadapter.StorePath, want string, depth int, visited map[storeadapter.StorePath]bool) (string, func(), error) {
	if depth > e.MaxDepth {
		return "", noopCleanup, ErrNotFound
	}
	if visited[drv] {
		return "", noopCleanup, ErrNotFound
	}
	visited[drv] = true

	if e.neg.hit(drv, want) {
		return "", noopCleanup, ErrNotFound
	}

	if path, cleanup, ok := e.searchOwnSources(drv, want); ok {
		return path, cleanup, nil
	}

	if ctx.Err() != nil {
		return "", noopCleanup, ctx.Err()
	}

	inputDrvs, err := e.Adapter.InputDerivationsOf(drv)
	if err == nil {
		for _, d := range sortedKeys(inputDrvs) {
			if path, cleanup, err := e.resolve(ctx, d, want, depth+1, visited); err == nil {
				return path, cleanup, nil
			}
		}
	}

	e.neg.mark(drv, want)
	return "", noopCleanup, ErrNotFound
}

func sortedKeys(m map[storeadapter.StorePath][]string) []storeadapter.StorePath {
	keys := make([]storeadapter.StorePath, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// searchOwnSources looks only at drv's own src inputs (§4.C steps 2–3),
// without recursing into its input derivations.
func (e *Extractor) searchOwnSources(drv storeadapter.StorePath, want string) (string, func(), bool) {
	srcs, err := e.Adapter.SrcOf(drv)
	if err != nil {
		log.Printf("sourceextract: SrcOf(%s): %v", drv, err)
		return "", nil, false
	}

	for _, src := range srcs {
		fi, err := os.Stat(string(src))
		if err != nil {
			continue
		}
		if fi.IsDir() {
			if path, tied, ok := matchInDir(string(src), want); ok {
				if tied {
					log.Printf("sourceextract: multiple candidates for %q under %s, picked %s", want, src, path)
				}
				return path, noopCleanup, true
			}
			continue
		}

		kind := detectArchiveKind(string(src))
		if kind == archiveUnknown {
			continue
		}
		members, err := listArchiveMembers(string(src), kind)
		if err != nil {
			log.Printf("sourceextract: listing %s: %v", src, err)
			continue
		}
		relPath, tied, found := matchLongestSuffix(want, members)
		if !found {
			continue
		}
		if tied {
			log.Printf("sourceextract: multiple candidates for %q in %s, picked %s", want, src, relPath)
		}
		tmpPath, cleanup, err := extractArchiveMember(string(src), kind, relPath)
		if err != nil {
			log.Printf("sourceextract: extracting %q from %s: %v", relPath, src, err)
			continue
		}
		return tmpPath, cleanup, true
	}
	return "", nil, false
}

// matchInDir walks dirRoot collecting regular files and applies the
// longest-unique-suffix matching rule, returning an absolute path.
func matchInDir(dirRoot, want string) (absPath string, tied bool, found bool) {
	var candidates []candidate
	err := filepath.Walk(dirRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries, don't abort the walk
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dirRoot, p)
		if err != nil {
			return nil
		}
		candidates = append(candidates, newCandidate(rel))
		return nil
	})
	if err != nil {
		return "", false, false
	}

	rel, tied, found := matchLongestSuffix(want, candidates)
	if !found {
		return "", false, false
	}
	return filepath.Join(dirRoot, rel), tied, true
}
