package storeadapter

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestListStorePathsFiltersDrvAndGCRoots(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"aaaa-foo", "bbbb-bar.drv", "gcroots", ".lock"} {
		if name == "gcroots" {
			if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	a := New(dir, "nix-store", false)
	paths, err := a.ListStorePaths(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(string(p)))
	}
	sort.Strings(names)
	if len(names) != 1 || names[0] != "aaaa-foo" {
		t.Errorf("ListStorePaths() = %v, want [aaaa-foo]", names)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	if err := os.WriteFile(present, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	a := New(dir, "nix-store", false)
	if !a.Exists(StorePath(present)) {
		t.Error("Exists(present) = false, want true")
	}
	if a.Exists(StorePath(filepath.Join(dir, "absent"))) {
		t.Error("Exists(absent) = true, want false")
	}
}
