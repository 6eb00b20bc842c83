// Package resolver implements §4.E: it serves the three debuginfod
// endpoints, coordinates on-demand work so at most one resolution runs per
// key, triggers background indexation, and synthesizes the protocol's
// non-standard 406/404 distinction.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/distr1/debugindexd/internal/index"
	"github.com/distr1/debugindexd/internal/sourceextract"
	"github.com/distr1/debugindexd/internal/storeadapter"
)

// deriverLookup is the subset of *storeadapter.Adapter the resolver needs
// for on-the-fly ("bypassing the index") deriver lookups.
type deriverLookup interface {
	DeriverOf(ctx context.Context, path storeadapter.StorePath) (storeadapter.StorePath, error)
}

// sourceResolver is the subset of *sourceextract.Extractor the resolver
// needs.
type sourceResolver interface {
	Resolve(ctx context.Context, deriver storeadapter.StorePath, want string) (string, func(), error)
}

// indexStore is the subset of *index.Store the resolver needs.
type indexStore interface {
	Lookup(buildID string) (*index.Entry, error)
	Upsert(index.Entry) error
	Invalidate(buildID string, field index.Field) error
}

var buildIDPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Resolver wires the index, store adapter, and source extractor together
// behind an HTTP handler, plus the per-key coordinator and background
// indexer described in §4.E and §5.
type Resolver struct {
	store    indexStore
	deriver  deriverLookup
	sources  sourceResolver
	coord    *coordinator
	indexer  *indexer
	rescanEv time.Duration
}

// New builds a Resolver. adapter supplies both store-walking and deriver
// lookups; extractor resolves DWARF source paths once a deriver is known.
func New(store *index.Store, adapter *storeadapter.Adapter, extractor *sourceextract.Extractor, rescanInterval time.Duration) *Resolver {
	return &Resolver{
		store:    store,
		deriver:  adapter,
		sources:  extractor,
		coord:    newCoordinator(),
		indexer:  newIndexer(adapter, adapter, store, extractor),
		rescanEv: rescanInterval,
	}
}

// Start launches the initial indexation pass and, if rescanInterval is
// positive, a periodic timer that re-triggers it (§4.E "on server start
// and on a periodic timer").
func (r *Resolver) Start(ctx context.Context) {
	r.indexer.triggerAsync(ctx)
	if r.rescanEv <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(r.rescanEv)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.indexer.triggerAsync(ctx)
			}
		}
	}()
}

// IndexationLaunchCount exposes the instrumentation counter from testable
// property scenario 4.
func (r *Resolver) IndexationLaunchCount() int64 { return r.indexer.launchCount() }

// Handler returns the debuginfod HTTP handler, in the teacher's
// errHandlerFunc + http.NewServeMux style (cmd/distri-repobrowser).
func (r *Resolver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/buildid/", errHandlerFunc(r.handleBuildID))
	return mux
}

func errHandlerFunc(h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("resolver: panic serving %s: %v", req.URL.Path, rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		if err := h(w, req); err != nil {
			var he *httpError
			if errors.As(err, &he) {
				status, body := he.statusAndBody()
				http.Error(w, body, status)
				return
			}
			log.Printf("resolver: serving %s: %v", req.URL.Path, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// handleBuildID dispatches GET /buildid/{HEX}/{executable,debuginfo,source/ESCAPED_PATH}.
func (r *Resolver) handleBuildID(w http.ResponseWriter, req *http.Request) error {
	rest := strings.TrimPrefix(req.URL.Path, "/buildid/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) < 2 {
		return badRequest("malformed request path")
	}
	buildID, tail := parts[0], parts[1]

	if !buildIDPattern.MatchString(buildID) {
		return badRequest("build-id must be 40 lowercase hex characters")
	}

	switch {
	case tail == "executable":
		return r.serveArtifact(req.Context(), w, buildID, KindExecutable)
	case tail == "debuginfo":
		return r.serveArtifact(req.Context(), w, buildID, KindDebugInfo)
	case strings.HasPrefix(tail, "source/"):
		escaped := strings.TrimPrefix(tail, "source/")
		want, err := url.PathUnescape(escaped)
		if err != nil || !strings.HasPrefix(want, "/") {
			return badRequest("malformed source path")
		}
		return r.serveSource(req.Context(), w, buildID, want)
	default:
		return badRequest("unknown artifact kind")
	}
}

// serveArtifact implements the Parse→Query→Hit/Miss→Stream state machine
// for the executable and debuginfo endpoints.
func (r *Resolver) serveArtifact(ctx context.Context, w http.ResponseWriter, buildID string, kind ArtifactKind) error {
	key := workKey{buildID: buildID, kind: kind}.String()
	artifact, release, err := r.coord.resolve(key, func() (resolvedArtifact, error) {
		return r.lookupArtifact(buildID, kind)
	})
	defer release()
	if err != nil {
		return err
	}
	return streamFile(w, artifact.path)
}

func (r *Resolver) lookupArtifact(buildID string, kind ArtifactKind) (resolvedArtifact, error) {
	entry, err := r.store.Lookup(buildID)
	if err == nil {
		field, idxField := fieldFor(entry, kind)
		if field != nil {
			if _, statErr := os.Stat(*field); statErr == nil {
				return resolvedArtifact{path: *field, cleanup: noCleanup}, nil
			}
			// Vanished since indexation: invalidate and fall through to
			// the miss path (§4.E state 3: Hit → Invalidate → Miss).
			_ = r.store.Invalidate(buildID, idxField)
		}
	} else if !errors.Is(err, index.ErrNotFound) {
		return resolvedArtifact{}, err
	}

	if !r.indexer.completedAtLeastOnce() {
		return resolvedArtifact{}, notYetIndexed("")
	}
	return resolvedArtifact{}, notFound(fmt.Sprintf("build-id %s has no known %s", buildID, kind))
}

func fieldFor(e *index.Entry, kind ArtifactKind) (*string, index.Field) {
	switch kind {
	case KindExecutable:
		return e.Executable, index.FieldExecutable
	case KindDebugInfo:
		return e.DebugInfo, index.FieldDebugInfo
	default:
		return nil, index.FieldSource
	}
}

// serveSource implements the source endpoint's extra Consider404 step: if
// the index has no source/deriver field cached, a deriver is looked up
// fresh (bypassing the index) from whichever path is known for this
// build-id, and resolution is attempted on the fly.
func (r *Resolver) serveSource(ctx context.Context, w http.ResponseWriter, buildID, want string) error {
	key := workKey{buildID: buildID, kind: KindSource, path: want}.String()
	artifact, release, err := r.coord.resolve(key, func() (resolvedArtifact, error) {
		return r.lookupSource(ctx, buildID, want)
	})
	defer release()
	if err != nil {
		return err
	}
	return streamFile(w, artifact.path)
}

func (r *Resolver) lookupSource(ctx context.Context, buildID, want string) (resolvedArtifact, error) {
	entry, err := r.store.Lookup(buildID)
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		return resolvedArtifact{}, err
	}

	deriver := deriverFromEntry(entry)
	if deriver == "" && entry != nil {
		deriver = r.deriverFromAnyKnownPath(ctx, entry)
		if deriver != "" {
			src := string(deriver)
			_ = r.store.Upsert(index.Entry{BuildID: buildID, Source: &src})
		}
	}

	if deriver != "" {
		path, cleanup, err := r.sources.Resolve(ctx, deriver, want)
		if err == nil {
			return resolvedArtifact{path: path, cleanup: cleanup}, nil
		}
		if !errors.Is(err, sourceextract.ErrNotFound) {
			log.Printf("resolver: resolving source %q for %s: %v", want, buildID, err)
		}
		if r.indexer.completedAtLeastOnce() {
			return resolvedArtifact{}, notFound(fmt.Sprintf("no source matching %s for build-id %s", want, buildID))
		}
		return resolvedArtifact{}, notYetIndexed("")
	}

	if !r.indexer.completedAtLeastOnce() {
		return resolvedArtifact{}, notYetIndexed("")
	}
	return resolvedArtifact{}, notFound(fmt.Sprintf("build-id %s is not indexed", buildID))
}

func deriverFromEntry(e *index.Entry) storeadapter.StorePath {
	if e == nil || e.Source == nil {
		return ""
	}
	return storeadapter.StorePath(*e.Source)
}

func (r *Resolver) deriverFromAnyKnownPath(ctx context.Context, e *index.Entry) storeadapter.StorePath {
	for _, p := range []*string{e.Executable, e.DebugInfo} {
		if p == nil {
			continue
		}
		if d, err := r.deriver.DeriverOf(ctx, storeadapter.StorePath(*p)); err == nil && d != "" {
			return d
		}
	}
	return ""
}

// streamFile writes path's bytes directly to w without buffering the
// whole file in memory, setting Content-Length when the size is known
// (§4.E "Streaming").
func streamFile(w http.ResponseWriter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return notFound("resolved path vanished before it could be streamed")
		}
		return err
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", fi.Size()))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = io.Copy(w, f)
	return err
}
