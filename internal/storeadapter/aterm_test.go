package storeadapter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleDrv = `Derive([("out","/store/aaaa-foo","",""),("debug","/store/aaaa-foo-debug","","")],[("/store/bbbb-libbar.drv",["out"])],["/store/cccc-foo-1.0.tar.gz"],"x86_64-linux","/store/dddd-bash/bin/bash",["-e","/store/eeee-builder.sh"],[("src","/store/cccc-foo-1.0.tar.gz"),("out","/store/aaaa-foo")])`

func TestParseDerivation(t *testing.T) {
	d, err := parseDerivation([]byte(sampleDrv))
	if err != nil {
		t.Fatal(err)
	}

	wantOutputs := map[string]StorePath{
		"out":   "/store/aaaa-foo",
		"debug": "/store/aaaa-foo-debug",
	}
	if diff := cmp.Diff(wantOutputs, d.Outputs); diff != "" {
		t.Errorf("Outputs mismatch (-want +got):\n%s", diff)
	}

	wantInputDrvs := map[StorePath][]string{
		"/store/bbbb-libbar.drv": {"out"},
	}
	if diff := cmp.Diff(wantInputDrvs, d.InputDerivations); diff != "" {
		t.Errorf("InputDerivations mismatch (-want +got):\n%s", diff)
	}

	wantSrcs := []StorePath{"/store/cccc-foo-1.0.tar.gz"}
	if diff := cmp.Diff(wantSrcs, d.InputSources); diff != "" {
		t.Errorf("InputSources mismatch (-want +got):\n%s", diff)
	}

	if got, want := d.Env["src"], "/store/cccc-foo-1.0.tar.gz"; got != want {
		t.Errorf("Env[src] = %q, want %q", got, want)
	}
}

func TestParseDerivationEmpty(t *testing.T) {
	const empty = `Derive([],[],[],"x86_64-linux","/bin/sh",[],[])`
	d, err := parseDerivation([]byte(empty))
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Outputs) != 0 || len(d.InputDerivations) != 0 || len(d.InputSources) != 0 {
		t.Errorf("expected all-empty derivation, got %+v", d)
	}
}

func TestParseDerivationMalformed(t *testing.T) {
	for _, tt := range []string{
		``,
		`Derive(`,
		`Derive([(,"x")],[],[],"","",[],[])`,
		`NotEvenClose`,
	} {
		if _, err := parseDerivation([]byte(tt)); err == nil {
			t.Errorf("parseDerivation(%q): got nil error, want error", tt)
		}
	}
}

func TestParseStringEscapes(t *testing.T) {
	p := &atermParser{data: []byte(`"a\"b\\c\n"`)}
	got, err := p.parseString()
	if err != nil {
		t.Fatal(err)
	}
	if want := "a\"b\\c\n"; got != want {
		t.Errorf("parseString() = %q, want %q", got, want)
	}
}
