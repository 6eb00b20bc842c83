// Package storeadapter presents a synchronous-looking interface over
// subprocess calls to the store command-line tool (nix-store and
// equivalents), following the pattern distri's own internal/build.Ctx uses
// to shell out to cp/tar/objcopy/strip rather than reimplement their
// formats: the store's on-disk layout and daemon protocol change across
// versions, so the CLI is the one stable contract.
package storeadapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// StorePath is an absolute path identifying a content-addressed directory
// or flat file in the store. It is treated opaquely except for
// prefix-membership in the store root.
type StorePath string

// Adapter shells out to the configured store tool (typically nix-store or
// a distri-compatible equivalent) to answer queries about the store.
type Adapter struct {
	// Root is the store's content-addressed directory.
	Root string
	// Tool is the store command-line tool invoked as a subprocess,
	// e.g. "nix-store".
	Tool string
	// AllowUnsignedSubstituters governs whether DeriverOf may call Realize
	// to fetch a deriver that is not present locally from a substituter.
	// Realize itself does not check it. The command line leaves it off
	// unless -allow-unsigned-substituters is given.
	AllowUnsignedSubstituters bool

	// FastQueryTimeout bounds --query invocations (seconds, per §5).
	FastQueryTimeout time.Duration
	// RealizeTimeout bounds --realise invocations (minutes, per §5).
	RealizeTimeout time.Duration

	cache queryCache
}

// New returns an Adapter with the timeouts spec.md §5 calls for.
func New(root, tool string, allowUnsignedSubstituters bool) *Adapter {
	return &Adapter{
		Root:                      root,
		Tool:                      tool,
		AllowUnsignedSubstituters: allowUnsignedSubstituters,
		FastQueryTimeout:          10 * time.Second,
		RealizeTimeout:            5 * time.Minute,
		cache: queryCache{
			cached:  make(map[string]cacheEntry),
			inflite: make(map[string]bool),
			ttl:     30 * time.Second,
		},
	}
}

// ListStorePaths enumerates the top-level entries of the store directory
// with a single sequential os.ReadDir, filtering out .drv suffixes,
// dot-files, and the "gcroots" garbage-collection root directory.
func (a *Adapter) ListStorePaths(ctx context.Context) ([]StorePath, error) {
	entries, err := os.ReadDir(a.Root)
	if err != nil {
		return nil, xerrors.Errorf("reading store root %s: %w", a.Root, err)
	}

	paths := make([]StorePath, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := e.Name()
		if strings.HasSuffix(name, ".drv") {
			continue
		}
		if name == "gcroots" || strings.HasPrefix(name, ".") {
			continue
		}
		paths = append(paths, StorePath(filepath.Join(a.Root, name)))
	}
	return paths, nil
}

// Exists reports whether p still exists in the store; used at read time to
// lazily invalidate index entries pointing at garbage-collected paths
// (spec.md §3, "Invariants").
func (a *Adapter) Exists(p StorePath) bool {
	_, err := os.Stat(string(p))
	return err == nil
}

func (p StorePath) String() string { return string(p) }
