package sourceextract

import "testing"

func TestMatchLongestSuffix(t *testing.T) {
	for _, tt := range []struct {
		desc       string
		want       string
		candidates []string
		wantRel    string
		wantTied   bool
		wantFound  bool
	}{
		{
			desc:       "exact unique match",
			want:       "/build/source/src/main.c",
			candidates: []string{"src/main.c", "src/util.c"},
			wantRel:    "src/main.c",
			wantFound:  true,
		},
		{
			desc:       "shorter suffix needed",
			want:       "/build/source/src/main.c",
			candidates: []string{"project/src/main.c"},
			wantRel:    "project/src/main.c",
			wantFound:  true,
		},
		{
			desc:       "no match",
			want:       "/build/source/src/main.c",
			candidates: []string{"include/foo.h"},
			wantFound:  false,
		},
		{
			desc:       "tie broken by shallowest depth",
			want:       "/build/source/main.c",
			candidates: []string{"a/b/c/main.c", "x/main.c"},
			wantRel:    "x/main.c",
			wantTied:   true,
			wantFound:  true,
		},
		{
			desc:       "tie broken lexicographically at equal depth",
			want:       "/build/source/main.c",
			candidates: []string{"b/main.c", "a/main.c"},
			wantRel:    "a/main.c",
			wantTied:   true,
			wantFound:  true,
		},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			var cands []candidate
			for _, c := range tt.candidates {
				cands = append(cands, newCandidate(c))
			}
			rel, tied, found := matchLongestSuffix(tt.want, cands)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if !found {
				return
			}
			if rel != tt.wantRel {
				t.Errorf("relPath = %q, want %q", rel, tt.wantRel)
			}
			if tied != tt.wantTied {
				t.Errorf("tied = %v, want %v", tied, tt.wantTied)
			}
		})
	}
}

func TestMatchLongestSuffixEmptyInputs(t *testing.T) {
	if _, _, found := matchLongestSuffix("", []candidate{newCandidate("a")}); found {
		t.Error("empty want: found = true, want false")
	}
	if _, _, found := matchLongestSuffix("/a/b.c", nil); found {
		t.Error("no candidates: found = true, want false")
	}
}
