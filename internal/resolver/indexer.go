package resolver

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/distr1/debugindexd/internal/elfprobe"
	"github.com/distr1/debugindexd/internal/index"
	"github.com/distr1/debugindexd/internal/storeadapter"
	"github.com/distr1/debugindexd/internal/traceevt"
)

// storeWalker is the subset of *storeadapter.Adapter the indexer needs,
// narrowed to ease testing with a fake store.
type storeWalker interface {
	ListStorePaths(ctx context.Context) ([]storeadapter.StorePath, error)
}

// indexerDeriverLookup mirrors deriverLookup; kept distinct so the indexer
// and the resolver can be tested independently of each other.
type indexerDeriverLookup interface {
	DeriverOf(ctx context.Context, path storeadapter.StorePath) (storeadapter.StorePath, error)
}

type indexWriter interface {
	Upsert(index.Entry) error
	SetStorepathScanEpoch(epoch int64) error
}

// epochResetter clears any per-epoch caching that would otherwise make a
// miss permanent across rescans (e.g. sourceextract's negative cache).
type epochResetter interface {
	ResetEpoch()
}

// indexer runs the background scan over the store (§3 "Lifecycle", §4.E
// "Indexation trigger"): exclusive, non-reentrant, walking every store
// path, probing each as ELF, and merging build-id records into the index.
// Fan-out over store paths is modeled on the teacher's PkgSource
// (internal/build/build.go), which walks a directory tree and dispatches
// one errgroup.Group goroutine per file; here the walk comes from the
// store adapter instead of filepath.Walk, and the per-file work probes
// ELF build-ids instead of extracting DWARF paths.
type indexer struct {
	walker   storeWalker
	deriver  indexerDeriverLookup
	store    indexWriter
	resetter epochResetter

	mu            sync.Mutex
	running       bool
	completedOnce atomic.Bool
	launches      atomic.Int64
}

func newIndexer(walker storeWalker, deriver indexerDeriverLookup, store indexWriter, resetter epochResetter) *indexer {
	return &indexer{
		walker:   walker,
		deriver:  deriver,
		store:    store,
		resetter: resetter,
	}
}

// completedAtLeastOnce reports whether a full scan has ever finished,
// which §4.E uses to decide between 406 and 404 on a miss.
func (idx *indexer) completedAtLeastOnce() bool { return idx.completedOnce.Load() }

// launchCount is the instrumentation counter from testable-property
// scenario 4 ("the indexation pass is launched exactly once").
func (idx *indexer) launchCount() int64 { return idx.launches.Load() }

// triggerAsync starts a scan in the background unless one is already
// running, in which case it is a no-op (§5 "a second trigger during an
// active pass is a no-op").
func (idx *indexer) triggerAsync(ctx context.Context) {
	idx.mu.Lock()
	if idx.running {
		idx.mu.Unlock()
		return
	}
	idx.running = true
	idx.mu.Unlock()

	idx.launches.Add(1)
	traceevt.Counter("indexation_epoch_launched", 0, map[string]uint64{"count": uint64(idx.launches.Load())})

	epoch := uuid.NewString()
	go func() {
		ev := traceevt.Event("indexation_epoch", "indexation", 0)
		log.Printf("indexer: epoch=%s starting", epoch)
		if err := idx.run(ctx); err != nil {
			log.Printf("indexer: epoch=%s failed: %v", epoch, err)
		} else {
			log.Printf("indexer: epoch=%s complete", epoch)
		}
		ev.Done()

		idx.mu.Lock()
		idx.running = false
		idx.mu.Unlock()
		idx.completedOnce.Store(true)
	}()
}

// probed pairs a probed file with its result, kept around until the whole
// epoch's files are in hand: classifying a file as debuginfo via another
// file's .gnu_debuglink (§4.B's second disjunct) needs to see every probe
// result at once, not just the one file currently being visited.
type probed struct {
	path   storeadapter.StorePath
	result *elfprobe.Result
}

func (idx *indexer) run(ctx context.Context) error {
	if idx.resetter != nil {
		// A source lookup that missed last epoch (e.g. its deriver wasn't
		// realized yet) must get a fresh chance this epoch, not stay
		// negatively cached forever.
		idx.resetter.ResetEpoch()
	}

	paths, err := idx.walker.ListStorePaths(ctx)
	if err != nil {
		return err
	}

	// ListStorePaths returns top-level content-addressed directories (or,
	// in tests, bare files); the ELF binaries and separate debuginfo files
	// worth probing live inside them, so each is walked for regular files
	// the way the teacher's PkgSource walks a package's debug directory.
	var (
		resultsMu sync.Mutex
		results   []probed
	)
	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	var eg errgroup.Group
	for _, p := range paths {
		p := p
		walkErr := filepath.Walk(string(p), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil //nolint:nilerr // skip unreadable entries, don't abort the walk
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			eg.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)

				result, err := elfprobe.Probe(path)
				if err != nil {
					if !errors.Is(err, elfprobe.ErrNotELF) {
						log.Printf("indexer: probing %s: %v", path, err)
					}
					return nil
				}
				resultsMu.Lock()
				results = append(results, probed{path: storeadapter.StorePath(path), result: result})
				resultsMu.Unlock()
				return nil // per-path failures never abort the epoch (§ Failure semantics)
			})
			return nil
		})
		if walkErr != nil {
			log.Printf("indexer: walking %s: %v", p, walkErr)
		}
	}
	// eg.Wait never returns a non-nil error: every goroutine above always
	// returns nil itself, logging failures internally instead.
	_ = eg.Wait()

	idx.classifyAndRecord(ctx, results)

	return idx.store.SetStorepathScanEpoch(time.Now().Unix())
}

// classifyAndRecord applies the debug-link cross-reference and records one
// index entry per indexable file. It runs after every file in the epoch has
// been probed, since a file is only identifiable as debuginfo via another
// file's .gnu_debuglink once both have been seen.
func (idx *indexer) classifyAndRecord(ctx context.Context, results []probed) {
	// linkTargets maps the absolute path a .gnu_debuglink points at (the
	// link's basename, resolved relative to the linking object's own
	// directory — the common case for files living side by side in the
	// same store output) to the CRC32 the link expects of it.
	linkTargets := make(map[string]uint32)
	for _, p := range results {
		if p.result.DebugLink == "" {
			continue
		}
		target := filepath.Join(filepath.Dir(string(p.path)), p.result.DebugLink)
		linkTargets[target] = p.result.DebugLinkCRC32
	}

	for _, p := range results {
		kind := p.result.Kind
		if wantCRC, ok := linkTargets[string(p.path)]; ok {
			if kind == elfprobe.Other {
				// No executable PT_LOAD segment, no DWARF of its own, but
				// some other object's debug-link names it: §4.B's second
				// disjunct.
				kind = elfprobe.DebugInfo
			}
			idx.checkDebugLinkCRC(string(p.path), wantCRC)
		}
		if kind == elfprobe.Other || p.result.BuildID == "" {
			continue
		}

		entry := index.Entry{BuildID: p.result.BuildID}
		path := string(p.path)
		switch kind {
		case elfprobe.Executable:
			entry.Executable = &path
		case elfprobe.DebugInfo:
			entry.DebugInfo = &path
		}

		if deriver, err := idx.deriver.DeriverOf(ctx, p.path); err == nil && deriver != "" {
			src := string(deriver)
			entry.Source = &src
		}

		if err := idx.store.Upsert(entry); err != nil {
			log.Printf("indexer: recording %s (%s): %v", p.result.BuildID, p.path, err)
		}
	}
}

// checkDebugLinkCRC logs (never rejects — spec.md doesn't ask for
// enforcement) a mismatch between a debug file's actual contents and the
// CRC32 its linking executable's .gnu_debuglink expects.
func (idx *indexer) checkDebugLinkCRC(path string, want uint32) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		log.Printf("indexer: hashing %s for debug-link CRC check: %v", path, err)
		return
	}
	if got := h.Sum32(); got != want {
		log.Printf("indexer: %s: debug-link CRC mismatch, link expects %08x, file is %08x", path, want, got)
	}
}
