// Package elfprobe extracts the GNU build-id, the debug-link pointer, and
// the DWARF compile-unit source paths from an ELF file, and classifies it
// as an executable, a separate debuginfo file, or neither.
//
// It is adapted from distri's cmd/distri/buildid.go (readBuildid) and
// internal/build/dwarf.go (dwarfPaths), generalized into a stateless,
// reusable probe that additionally classifies file kind and reads
// .gnu_debuglink.
package elfprobe

import (
	"debug/elf"
	"errors"
	"os"

	"golang.org/x/xerrors"
)

// Kind classifies what role an ELF file plays.
type Kind int

const (
	// Other is any ELF object that is neither a loadable executable/shared
	// object nor a separate debuginfo file (e.g. a relocatable .o).
	Other Kind = iota
	// Executable is an ET_EXEC or ET_DYN object with at least one PT_LOAD
	// segment carrying executable permissions.
	Executable
	// DebugInfo is an object with no executable PT_LOAD segments that
	// carries DWARF debug sections.
	DebugInfo
)

func (k Kind) String() string {
	switch k {
	case Executable:
		return "executable"
	case DebugInfo:
		return "debuginfo"
	default:
		return "other"
	}
}

// Result is everything the resolver needs to know about a probed ELF file.
type Result struct {
	BuildID string
	Kind    Kind

	// DebugLink is the filename referenced by a .gnu_debuglink section,
	// empty if the object carries none.
	DebugLink string
	// DebugLinkCRC32 is the CRC32 the link expects of its target, valid
	// only when DebugLink is non-empty.
	DebugLinkCRC32 uint32

	// CompDirs is the list of compile-unit source paths recorded in the
	// DWARF .debug_info section (each unit's name, joined to its comp_dir
	// when relative); the .debug_line file tables are not read. It may be
	// empty even for a successfully probed object (no debug info, or info
	// stripped).
	CompDirs []string
}

// Sentinel errors; classify with errors.Is.
var (
	ErrNotELF    = errors.New("elfprobe: not an ELF file")
	ErrMalformed = errors.New("elfprobe: malformed ELF file")
	ErrNoBuildID = errors.New("elfprobe: no NT_GNU_BUILD_ID note present")
)

// Probe opens path and extracts build-id, kind, debug-link, and DWARF
// source paths. It never panics: malformed input is reported as
// ErrMalformed, wrapped with context.
func Probe(path string) (result *Result, err error) {
	// debug/elf and debug/dwarf are not guaranteed panic-free on crafted
	// input (bounds-checking gaps have been fuzzed out of them before);
	// confine any such panic to this one probe, per §4.B's robustness
	// requirement and §7's "any panic inside a request handler is
	// confined to that request" policy applied equally to indexation.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = xerrors.Errorf("%s: %w (panic: %v)", path, ErrMalformed, r)
		}
	}()

	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, openErr
	}
	defer f.Close()

	ef, elfErr := elf.NewFile(f)
	if elfErr != nil {
		// A file that carries the ELF magic but fails to parse is a
		// malformed ELF, not a non-ELF file.
		var magic [len(elf.ELFMAG)]byte
		if _, err := f.ReadAt(magic[:], 0); err == nil && string(magic[:]) == elf.ELFMAG {
			return nil, xerrors.Errorf("%s: %w: %v", path, ErrMalformed, elfErr)
		}
		return nil, xerrors.Errorf("%s: %w: %v", path, ErrNotELF, elfErr)
	}
	defer ef.Close()

	return probe(ef, path)
}

func probe(ef *elf.File, path string) (*Result, error) {
	buildID, err := readBuildID(ef)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}

	res := &Result{
		BuildID: buildID,
		Kind:    classify(ef),
	}

	if link, crc, ok := readDebugLink(ef); ok {
		res.DebugLink = link
		res.DebugLinkCRC32 = crc
	}

	paths, err := dwarfCompDirs(ef)
	if err != nil {
		// Missing or unparseable DWARF is not fatal to the probe: plenty
		// of valid ELF objects (stripped executables, non-C binaries)
		// carry none.
		return res, nil
	}
	res.CompDirs = paths

	return res, nil
}

// classify implements the Kind rule from spec §4.B's first disjunct
// (executable PT_LOAD segments vs. DWARF-carrying non-executable object);
// the second disjunct ("or is the target of another file's .debug_link")
// is extrinsic and applied by the caller, which sees the whole index.
func classify(ef *elf.File) Kind {
	switch ef.Type {
	case elf.ET_EXEC, elf.ET_DYN:
		for _, prog := range ef.Progs {
			// Filesz > 0 excludes a stripped-out .debug companion's
			// NOBITS-backed PT_LOAD segments, which keep their original
			// flags but carry no executable contents.
			if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 && prog.Filesz > 0 {
				return Executable
			}
		}
	}
	if hasDWARF(ef) {
		return DebugInfo
	}
	return Other
}

func hasDWARF(ef *elf.File) bool {
	for _, name := range []string{".debug_info", ".zdebug_info"} {
		if s := ef.Section(name); s != nil {
			return true
		}
	}
	return false
}
