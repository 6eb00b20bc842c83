package storeadapter

import (
	"os"
	"sort"

	"golang.org/x/xerrors"
)

// Derivation is a parsed .drv file: the store tool's ATerm-encoded build
// recipe. The parser here is hand-rolled rather than pulled from a full
// Nix-store client library (see DESIGN.md) because the only fields this
// server needs — outputs, input derivations, input sources, and the "src"
// environment variable — are a small, stable subset of the format, and
// §6 asks the parser to "tolerate minor format variations across store-
// tool versions" rather than implement the format exhaustively.
type Derivation struct {
	// Outputs maps output name ("out", "debug", …) to its store path.
	Outputs map[string]StorePath
	// InputDerivations maps a .drv store path to the set of its output
	// names this derivation depends on.
	InputDerivations map[StorePath][]string
	// InputSources is the ordered list of plain (non-derivation) store
	// paths this derivation depends on.
	InputSources []StorePath
	// Env is the derivation's builder environment, including (when
	// present) the conventional "src" attribute.
	Env map[string]string
}

// OutputsOf reads and parses drv, returning its output name → path
// mapping.
func (a *Adapter) OutputsOf(drv StorePath) (map[string]StorePath, error) {
	d, err := a.readDerivation(drv)
	if err != nil {
		return nil, err
	}
	return d.Outputs, nil
}

// SrcOf returns the ordered list of input store paths that correspond to
// drv's "src" attribute and any other plain input sources that may
// contain source participating in compilation, per §4.A. The explicit
// "src" attribute (the common convention for a derivation's primary
// source tree) sorts first; the rest follow in lexicographic order so
// matching in the source extractor is deterministic.
func (a *Adapter) SrcOf(drv StorePath) ([]StorePath, error) {
	d, err := a.readDerivation(drv)
	if err != nil {
		return nil, err
	}

	var ordered []StorePath
	seen := make(map[StorePath]bool)

	if src, ok := d.Env["src"]; ok && src != "" {
		p := StorePath(src)
		ordered = append(ordered, p)
		seen[p] = true
	}

	rest := append([]StorePath(nil), d.InputSources...)
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, p := range rest {
		if !seen[p] {
			ordered = append(ordered, p)
			seen[p] = true
		}
	}
	return ordered, nil
}

// InputDerivationsOf returns the input derivations of drv, for the
// recursive cross-derivation source lookup in §4.C step 4.
func (a *Adapter) InputDerivationsOf(drv StorePath) (map[StorePath][]string, error) {
	d, err := a.readDerivation(drv)
	if err != nil {
		return nil, err
	}
	return d.InputDerivations, nil
}

func (a *Adapter) readDerivation(drv StorePath) (*Derivation, error) {
	data, err := os.ReadFile(string(drv))
	if err != nil {
		return nil, xerrors.Errorf("reading derivation %s: %w", drv, err)
	}
	d, err := parseDerivation(data)
	if err != nil {
		return nil, xerrors.Errorf("parsing derivation %s: %w", drv, err)
	}
	return d, nil
}
