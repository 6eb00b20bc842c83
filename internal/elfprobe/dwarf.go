package elfprobe

import (
	"debug/dwarf"
	"debug/elf"
	"path/filepath"
	"strings"
)

// dwarfCompDirs enumerates compile-unit source paths, adapted from distri's
// internal/build/dwarf.go dwarfPaths to operate on an already-open
// *elf.File instead of a filename, so Probe can reuse one file handle for
// build-id, classification, and DWARF extraction.
func dwarfCompDirs(ef *elf.File) ([]string, error) {
	dwf, err := ef.DWARF()
	if err != nil {
		return nil, err
	}

	var paths []string
	dr := dwf.Reader()
	for {
		ent, err := dr.Next()
		if err != nil {
			return nil, err
		}
		if ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			dr.SkipChildren()
			continue
		}
		nameVal := ent.Val(dwarf.AttrName)
		if nameVal == nil {
			continue
		}
		name, _ := nameVal.(string)
		var dir string
		if v := ent.Val(dwarf.AttrCompDir); v != nil {
			dir, _ = v.(string)
		}
		full := name
		if !strings.HasPrefix(full, "/") {
			full = filepath.Join(dir, full)
		}
		paths = append(paths, full)
	}
	return paths, nil
}
