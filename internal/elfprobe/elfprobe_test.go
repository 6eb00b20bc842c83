package elfprobe

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildIDNote constructs a NT_GNU_BUILD_ID note record with the given
// desc, 4-byte aligned as ELF notes require.
func buildIDNote(desc []byte) []byte {
	var buf bytes.Buffer
	name := []byte("GNU\x00")
	binary.Write(&buf, binary.LittleEndian, int32(len(name)))
	binary.Write(&buf, binary.LittleEndian, int32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, int32(ntGNUBuildID))
	buf.Write(name)
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestReadAligned4(t *testing.T) {
	for _, tt := range []struct {
		desc string
		in   []byte
		sz   int32
		want []byte
	}{
		{desc: "already aligned", in: []byte{1, 2, 3, 4}, sz: 4, want: []byte{1, 2, 3, 4}},
		{desc: "needs padding", in: []byte{1, 2, 3, 0}, sz: 3, want: []byte{1, 2, 3}},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := readAligned4(bytes.NewReader(tt.in), tt.sz)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("readAligned4() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadAligned4NegativeSize(t *testing.T) {
	if _, err := readAligned4(bytes.NewReader(nil), -1); err == nil {
		t.Fatal("readAligned4(negative size): got nil error, want error")
	}
}

func TestReadNoteRoundtrip(t *testing.T) {
	desc := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	note := buildIDNote(desc)

	got, err := readNote(bytes.NewReader(note), binary.LittleEndian, ntGNUBuildID, "GNU\x00")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(desc, got); diff != "" {
		t.Errorf("readNote() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadNoteWrongType(t *testing.T) {
	note := buildIDNote([]byte{1, 2, 3, 4})
	if _, err := readNote(bytes.NewReader(note), binary.LittleEndian, 99, "GNU\x00"); err == nil {
		t.Fatal("readNote with wrong type: got nil error, want error")
	}
}

func TestClassifyKindString(t *testing.T) {
	for _, tt := range []struct {
		k    Kind
		want string
	}{
		{Executable, "executable"},
		{DebugInfo, "debuginfo"},
		{Other, "other"},
		{Kind(99), "other"},
	} {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestProbeRejectsNonELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-elf")
	if err := os.WriteFile(path, []byte("hello, world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Probe(path); err == nil {
		t.Fatal("Probe of non-ELF file: got nil error, want ErrNotELF")
	}
}

func TestProbeMissingFile(t *testing.T) {
	if _, err := Probe("/nonexistent/path/does-not-exist"); err == nil {
		t.Fatal("Probe of missing file: got nil error, want error")
	}
}
