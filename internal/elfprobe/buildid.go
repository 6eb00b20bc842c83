package elfprobe

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"io"

	"golang.org/x/xerrors"
)

// from binutils/include/elf/common.h
const ntGNUBuildID = 3

// from go/src/cmd/internal/buildid
func readAligned4(r io.Reader, sz int32) ([]byte, error) {
	if sz < 0 {
		return nil, xerrors.Errorf("negative note size %d", sz)
	}
	full := (sz + 3) &^ 3
	data := make([]byte, full)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data[:sz], nil
}

// note is one parsed NOTE record, regardless of whether it is the one the
// caller is looking for.
type note struct {
	Type int32
	Name string
	Desc []byte
}

// readOneNote parses the next NOTE record (as laid out in an ELF .noteXXX
// section or PT_NOTE segment) from r, starting at the
// name-size/desc-size/type header, per the format
// go/src/cmd/internal/buildid.ReadELFNote expects. It returns io.EOF (or an
// io.ErrUnexpectedEOF-wrapping error) once r is exhausted, distinct from a
// successfully parsed note with a type or name the caller doesn't want, so
// callers can skip uninteresting notes instead of stopping at the first one.
func readOneNote(r io.Reader, byteOrder binary.ByteOrder) (note, error) {
	var meta struct {
		Namesize, Descsize, NoteType int32
	}
	if err := binary.Read(r, byteOrder, &meta); err != nil {
		return note{}, err
	}
	name, err := readAligned4(r, meta.Namesize)
	if err != nil {
		return note{}, xerrors.Errorf("read note name: %w", err)
	}
	desc, err := readAligned4(r, meta.Descsize)
	if err != nil {
		return note{}, xerrors.Errorf("read note desc: %w", err)
	}
	return note{Type: meta.NoteType, Name: string(name), Desc: desc}, nil
}

// readNote scans r for a single note matching wantType/wantName, skipping
// past any other notes encountered first (a section or segment can carry
// several, e.g. .note.ABI-tag before .note.gnu.build-id).
func readNote(r io.Reader, byteOrder binary.ByteOrder, wantType int32, wantName string) (desc []byte, err error) {
	for {
		n, err := readOneNote(r, byteOrder)
		if err != nil {
			return nil, xerrors.Errorf("read note: %w", err)
		}
		if n.Type == wantType && n.Name == wantName {
			return n.Desc, nil
		}
	}
}

// readBuildID extracts the GNU build-id, based on
// go/src/cmd/internal/buildid.ReadELFNote and distri's
// cmd/distri/buildid.go readBuildid, generalized to fall back to scanning
// PT_NOTE program-header segments when the object's section headers have
// been stripped away entirely (readelf -x wouldn't find the section
// either, but the segment survives — common on minimal embedded builds).
func readBuildID(ef *elf.File) (string, error) {
	if sect := ef.Section(".note.gnu.build-id"); sect != nil {
		if sect.Type == elf.SHT_NOTE {
			desc, err := readNote(sect.Open(), ef.ByteOrder, ntGNUBuildID, "GNU\x00")
			if err == nil && len(desc) >= 2 {
				return hex.EncodeToString(desc), nil
			}
		}
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		r := io.NewSectionReader(prog, 0, int64(prog.Filesz))
		desc, err := readNote(r, ef.ByteOrder, ntGNUBuildID, "GNU\x00")
		if err == nil && len(desc) >= 2 {
			return hex.EncodeToString(desc), nil
		}
	}

	return "", ErrNoBuildID
}

// readDebugLink parses a .gnu_debuglink section: a NUL-terminated filename
// padded to a 4-byte boundary, followed by a CRC32 of the target file in
// the object's own byte order.
func readDebugLink(ef *elf.File) (name string, crc32 uint32, ok bool) {
	sect := ef.Section(".gnu_debuglink")
	if sect == nil {
		return "", 0, false
	}
	data, err := sect.Data()
	if err != nil || len(data) < 4 {
		return "", 0, false
	}
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", 0, false
	}
	name = string(data[:nul])
	// crc32 is the last 4 bytes of the (4-byte aligned) section.
	if len(data) < 4 {
		return "", 0, false
	}
	crcOff := len(data) - 4
	crc32 = ef.ByteOrder.Uint32(data[crcOff:])
	return name, crc32, true
}
