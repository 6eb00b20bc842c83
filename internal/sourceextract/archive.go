package sourceextract

import (
	"archive/tar"
	"compress/bzip2"
	"io"
	"os"
	"strings"

	cpio "github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

type archiveKind int

const (
	archiveUnknown archiveKind = iota
	archiveTarGz
	archiveTarBz2
	archiveTarPlain
	archiveCpio
)

// detectArchiveKind infers the archive format of a flat source-derivation
// input file from its extension, per §4.C step 3 ("infer by extension that
// it is an archive").
func detectArchiveKind(name string) archiveKind {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return archiveTarGz
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return archiveTarBz2
	case strings.HasSuffix(name, ".tar"):
		return archiveTarPlain
	case strings.HasSuffix(name, ".cpio"):
		return archiveCpio
	default:
		return archiveUnknown
	}
}

// tarReaderFor opens the decompression layer appropriate to kind, using
// the parallel gzip decoder distri already depends on
// (github.com/klauspost/pgzip) for the common .tar.gz case, matching how
// internal/build/build.go reads squashfs and package archives.
func tarReaderFor(kind archiveKind, f io.Reader) (*tar.Reader, io.Closer, error) {
	switch kind {
	case archiveTarGz:
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return nil, nil, xerrors.Errorf("opening gzip stream: %w", err)
		}
		return tar.NewReader(zr), zr, nil
	case archiveTarBz2:
		return tar.NewReader(bzip2.NewReader(f)), io.NopCloser(nil), nil
	case archiveTarPlain:
		return tar.NewReader(f), io.NopCloser(nil), nil
	default:
		return nil, nil, xerrors.Errorf("unsupported tar-like archive kind %d", kind)
	}
}

// listArchiveMembers walks an archive's table of contents (without
// extracting file contents) to produce match candidates.
func listArchiveMembers(archivePath string, kind archiveKind) ([]candidate, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	switch kind {
	case archiveCpio:
		cr := cpio.NewReader(f)
		for {
			hdr, err := cr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, xerrors.Errorf("reading cpio entry: %w", err)
			}
			if hdr.Mode.IsRegular() {
				names = append(names, hdr.Name)
			}
		}
	case archiveTarGz, archiveTarBz2, archiveTarPlain:
		tr, closer, err := tarReaderFor(kind, f)
		if err != nil {
			return nil, err
		}
		defer closer.Close()
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, xerrors.Errorf("reading tar entry: %w", err)
			}
			if hdr.Typeflag == tar.TypeReg {
				names = append(names, hdr.Name)
			}
		}
	default:
		return nil, xerrors.Errorf("unsupported archive kind %d", kind)
	}

	candidates := make([]candidate, 0, len(names))
	for _, n := range names {
		candidates = append(candidates, newCandidate(n))
	}
	return candidates, nil
}

// extractArchiveMember streams member out of the archive at archivePath
// into a freshly created temporary file and returns its path plus a
// cleanup function that removes it, per §9's "Archive extraction
// streaming" design note: never materialize the whole archive, seek
// straight to the matched member.
func extractArchiveMember(archivePath string, kind archiveKind, member string) (tmpPath string, cleanup func(), err error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	var r io.Reader
	switch kind {
	case archiveCpio:
		cr := cpio.NewReader(f)
		for {
			hdr, err := cr.Next()
			if err == io.EOF {
				return "", nil, xerrors.Errorf("member %q not found in %s", member, archivePath)
			}
			if err != nil {
				return "", nil, err
			}
			if hdr.Name == member {
				r = cr
				break
			}
		}
	case archiveTarGz, archiveTarBz2, archiveTarPlain:
		tr, closer, terr := tarReaderFor(kind, f)
		if terr != nil {
			return "", nil, terr
		}
		defer closer.Close()
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return "", nil, xerrors.Errorf("member %q not found in %s", member, archivePath)
			}
			if err != nil {
				return "", nil, err
			}
			if hdr.Name == member {
				r = tr
				break
			}
		}
	default:
		return "", nil, xerrors.Errorf("unsupported archive kind %d", kind)
	}

	tmp, err := os.CreateTemp("", "debugindexd-src-*")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, xerrors.Errorf("extracting %q: %w", member, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}
