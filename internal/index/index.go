// Package index implements §4.D: the persistent build_id → (executable,
// debuginfo, source) mapping, schema versioning, GC/scan watermarks, and
// single-writer discipline. It replaces the teacher's PostgreSQL-backed
// distri-checkupstream/distri-repobrowser pattern (sql.Open + db.Prepare +
// named statements) with modernc.org/sqlite, since spec.md §4.D and §6
// require a local, per-user-cache-directory file rather than a server
// process.
package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SchemaVersion is the compiled-in expected schema version (§3:
// "schema_version matches the compiled-in expected version; mismatch
// triggers a drop-and-rebuild").
const SchemaVersion = 1

// Entry mirrors spec.md §3's IndexEntry. Nil fields are NULL.
type Entry struct {
	BuildID    string
	Executable *string
	DebugInfo  *string
	Source     *string
}

// Meta mirrors spec.md §3's IndexMeta.
type Meta struct {
	SchemaVersion          int
	LastGCEpoch            int64
	LastStorepathScanEpoch int64
}

// Field identifies one of IndexEntry's nullable path columns, used by
// Invalidate.
type Field int

const (
	FieldExecutable Field = iota
	FieldDebugInfo
	FieldSource
)

// Store is the single-writer handle onto the index database.
type Store struct {
	path string

	writeMu sync.Mutex
	db      *sql.DB
}

// Open opens (creating if necessary) the index database under cacheDir.
// Open is idempotent and self-healing: a corrupted database, or one whose
// schema_version doesn't match SchemaVersion, is deleted and recreated,
// logging the event, per §4.D.
func Open(cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, xerrors.Errorf("creating cache dir %s: %w", cacheDir, err)
	}

	s := &Store{path: filepath.Join(cacheDir, "index.sqlite3")}
	if err := s.openAndVerify(); err != nil {
		log.Printf("index: %v; dropping and rebuilding %s", err, s.path)
		snapshotForDiagnostics(cacheDir, s.path, err)
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, xerrors.Errorf("removing corrupt index %s: %w", s.path, rmErr)
		}
		if err := s.openAndVerify(); err != nil {
			return nil, xerrors.Errorf("rebuilding index %s: %w", s.path, err)
		}
	}
	return s, nil
}

// snapshotForDiagnostics atomically writes a small sidecar describing why
// a rebuild happened, in the teacher's renameio.WriteFile idiom (used
// throughout distri for small auxiliary metadata files like
// meta.binaryproto and build.textproto) so a corrupted index leaves a
// breadcrumb instead of just vanishing.
func snapshotForDiagnostics(cacheDir, dbPath string, cause error) {
	type diag struct {
		Path  string    `json:"path"`
		Cause string    `json:"cause"`
		At    time.Time `json:"at"`
	}
	b, err := json.MarshalIndent(diag{Path: dbPath, Cause: cause.Error(), At: time.Now()}, "", "  ")
	if err != nil {
		return
	}
	sidecar := filepath.Join(cacheDir, "last-rebuild.json")
	if err := renameio.WriteFile(sidecar, b, 0o644); err != nil {
		log.Printf("index: writing rebuild diagnostics: %v", err)
	}
}

func (s *Store) openAndVerify() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// SQLite serializes writers regardless; WAL mode lets readers proceed
	// concurrently with the single writer this package already
	// serializes through writeMu, matching §5: "readers see a consistent
	// snapshot per statement."
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return xerrors.Errorf("enabling WAL: %w", err)
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	return nil
}

func ensureSchema(db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS builds (
			build_id TEXT PRIMARY KEY,
			executable TEXT,
			debuginfo TEXT,
			source TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS timestamps (gc INTEGER NOT NULL, storepath INTEGER NOT NULL)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return xerrors.Errorf("creating schema (%s): %w", stmt, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM version`).Scan(&count); err != nil {
		return xerrors.Errorf("counting version rows: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO version(version) VALUES (?)`, SchemaVersion); err != nil {
			return err
		}
		if _, err := db.Exec(`INSERT INTO timestamps(gc, storepath) VALUES (0, 0)`); err != nil {
			return err
		}
		return nil
	}

	var version int
	if err := db.QueryRow(`SELECT version FROM version LIMIT 1`).Scan(&version); err != nil {
		return xerrors.Errorf("reading version: %w", err)
	}
	if version != SchemaVersion {
		return xerrors.Errorf("schema_version = %d, want %d", version, SchemaVersion)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrNotFound is returned by Lookup when build_id has no index entry.
var ErrNotFound = errors.New("index: build_id not found")

// Lookup returns the entry for buildID, or ErrNotFound.
func (s *Store) Lookup(buildID string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT build_id, executable, debuginfo, source FROM builds WHERE build_id = ?`, buildID)
	var e Entry
	var exe, dbg, src sql.NullString
	if err := row.Scan(&e.BuildID, &exe, &dbg, &src); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("looking up %s: %w", buildID, err)
	}
	e.Executable = nullableString(exe)
	e.DebugInfo = nullableString(dbg)
	e.Source = nullableString(src)
	return &e, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// Upsert writes entry. If a row for entry.BuildID already exists, NULL
// fields on the existing row are filled in from entry; a non-NULL existing
// field is never overwritten, per §4.D's "strictly additive" contract.
// Fully new rows are inserted outright.
func (s *Store) Upsert(entry Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO builds (build_id, executable, debuginfo, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(build_id) DO UPDATE SET
			executable = COALESCE(builds.executable, excluded.executable),
			debuginfo  = COALESCE(builds.debuginfo,  excluded.debuginfo),
			source     = COALESCE(builds.source,     excluded.source)
	`, entry.BuildID, entry.Executable, entry.DebugInfo, entry.Source)
	if err != nil {
		return xerrors.Errorf("upserting %s: %w", entry.BuildID, err)
	}
	return nil
}

// Invalidate clears field on buildID's row, called when a lookup
// discovers the stored path no longer exists on disk (§3: "may have been
// garbage-collected since (handled at read time)"). If all three path
// fields end up NULL the row is deleted.
func (s *Store) Invalidate(buildID string, field Field) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	col := map[Field]string{
		FieldExecutable: "executable",
		FieldDebugInfo:  "debuginfo",
		FieldSource:     "source",
	}[field]

	if _, err := s.db.Exec(`UPDATE builds SET `+col+` = NULL WHERE build_id = ?`, buildID); err != nil {
		return xerrors.Errorf("invalidating %s.%s: %w", buildID, col, err)
	}
	if _, err := s.db.Exec(`DELETE FROM builds WHERE build_id = ? AND executable IS NULL AND debuginfo IS NULL AND source IS NULL`, buildID); err != nil {
		return xerrors.Errorf("pruning empty row %s: %w", buildID, err)
	}
	return nil
}

// Meta reads the current IndexMeta.
func (s *Store) Meta() (*Meta, error) {
	m := &Meta{SchemaVersion: SchemaVersion}
	row := s.db.QueryRow(`SELECT gc, storepath FROM timestamps LIMIT 1`)
	if err := row.Scan(&m.LastGCEpoch, &m.LastStorepathScanEpoch); err != nil {
		return nil, xerrors.Errorf("reading meta: %w", err)
	}
	return m, nil
}

// SetStorepathScanEpoch records the completion of an indexation epoch.
func (s *Store) SetStorepathScanEpoch(epoch int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(`UPDATE timestamps SET storepath = ?`, epoch); err != nil {
		return xerrors.Errorf("recording storepath scan epoch: %w", err)
	}
	return nil
}

// SetGCEpoch records the completion of a GC sweep.
func (s *Store) SetGCEpoch(epoch int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(`UPDATE timestamps SET gc = ?`, epoch); err != nil {
		return xerrors.Errorf("recording gc epoch: %w", err)
	}
	return nil
}
