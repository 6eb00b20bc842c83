package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distr1/debugindexd/internal/index"
	"github.com/distr1/debugindexd/internal/storeadapter"
)

// fakeStore implements indexStore in memory for resolver tests.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*index.Entry
}

func newFakeStore() *fakeStore { return &fakeStore{entries: make(map[string]*index.Entry)} }

func (f *fakeStore) Lookup(buildID string) (*index.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[buildID]
	if !ok {
		return nil, index.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) Upsert(e index.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.entries[e.BuildID]
	if !ok {
		cp := e
		f.entries[e.BuildID] = &cp
		return nil
	}
	if existing.Executable == nil {
		existing.Executable = e.Executable
	}
	if existing.DebugInfo == nil {
		existing.DebugInfo = e.DebugInfo
	}
	if existing.Source == nil {
		existing.Source = e.Source
	}
	return nil
}

func (f *fakeStore) Invalidate(buildID string, field index.Field) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[buildID]
	if !ok {
		return nil
	}
	switch field {
	case index.FieldExecutable:
		e.Executable = nil
	case index.FieldDebugInfo:
		e.DebugInfo = nil
	case index.FieldSource:
		e.Source = nil
	}
	return nil
}

type fakeDeriver struct {
	result storeadapter.StorePath
	err    error
	calls  int32
}

func (f *fakeDeriver) DeriverOf(ctx context.Context, path storeadapter.StorePath) (storeadapter.StorePath, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.result, f.err
}

type fakeSourceResolver struct {
	path    string
	err     error
	cleanup func()
	calls   int32
}

func (f *fakeSourceResolver) Resolve(ctx context.Context, deriver storeadapter.StorePath, want string) (string, func(), error) {
	atomic.AddInt32(&f.calls, 1)
	cleanup := f.cleanup
	if cleanup == nil {
		cleanup = noCleanup
	}
	return f.path, cleanup, f.err
}

func newTestResolver(store indexStore, deriver deriverLookup, sources sourceResolver) *Resolver {
	return &Resolver{
		store:   store,
		deriver: deriver,
		sources: sources,
		coord:   newCoordinator(),
		indexer: newIndexer(nil, nil, nil, nil),
	}
}

func strp(s string) *string { return &s }

func TestServeArtifactBadRequest(t *testing.T) {
	r := newTestResolver(newFakeStore(), &fakeDeriver{}, &fakeSourceResolver{})
	req := httptest.NewRequest(http.MethodGet, "/buildid/nothex/executable", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestServeArtifact406BeforeScanCompletes(t *testing.T) {
	r := newTestResolver(newFakeStore(), &fakeDeriver{}, &fakeSourceResolver{})
	id := strings.Repeat("a", 40)
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id+"/executable", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", w.Code)
	}
	if !strings.Contains(w.Body.String(), "File too large") {
		t.Errorf("body = %q, want substring %q", w.Body.String(), "File too large")
	}
}

func TestServeArtifact404AfterScanCompletes(t *testing.T) {
	r := newTestResolver(newFakeStore(), &fakeDeriver{}, &fakeSourceResolver{})
	r.indexer.completedOnce.Store(true)
	id := strings.Repeat("b", 40)
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id+"/debuginfo", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServeArtifact200OnHit(t *testing.T) {
	dir := t.TempDir()
	exePath := filepath.Join(dir, "exe")
	if err := os.WriteFile(exePath, []byte("binary-bytes"), 0o755); err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	id := strings.Repeat("c", 40)
	store.entries[id] = &index.Entry{BuildID: id, Executable: strp(exePath)}

	r := newTestResolver(store, &fakeDeriver{}, &fakeSourceResolver{})
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id+"/executable", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != "binary-bytes" {
		t.Errorf("body = %q, want %q", w.Body.String(), "binary-bytes")
	}
}

func TestServeArtifactVanishedFileInvalidatesAndMisses(t *testing.T) {
	store := newFakeStore()
	id := strings.Repeat("d", 40)
	store.entries[id] = &index.Entry{BuildID: id, Executable: strp("/does/not/exist")}

	r := newTestResolver(store, &fakeDeriver{}, &fakeSourceResolver{})
	r.indexer.completedOnce.Store(true)
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id+"/executable", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	got, _ := store.Lookup(id)
	if got.Executable != nil {
		t.Error("expected Executable to be invalidated after the file vanished")
	}
}

func TestServeSourceBypassesIndexForFreshDeriverLookup(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "main.c")
	if err := os.WriteFile(srcPath, []byte("int main(){}"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	id := strings.Repeat("e", 40)
	store.entries[id] = &index.Entry{BuildID: id, Executable: strp("/store/aaaa-foo/bin/foo")}

	deriver := &fakeDeriver{result: storeadapter.StorePath("/store/aaaa-foo.drv")}
	sources := &fakeSourceResolver{path: srcPath}
	r := newTestResolver(store, deriver, sources)

	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id+"/source/%2Fbuild%2Fsource%2Fmain.c", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != "int main(){}" {
		t.Errorf("body = %q", w.Body.String())
	}
	if atomic.LoadInt32(&deriver.calls) != 1 {
		t.Errorf("DeriverOf calls = %d, want 1", deriver.calls)
	}

	got, _ := store.Lookup(id)
	if got.Source == nil || *got.Source != "/store/aaaa-foo.drv" {
		t.Errorf("expected deriver to be cached into Source field, got %+v", got.Source)
	}
}

func TestCoordinatorDeduplicatesConcurrentCallers(t *testing.T) {
	store := newFakeStore()
	id := strings.Repeat("f", 40)
	dir := t.TempDir()
	exePath := filepath.Join(dir, "exe")
	if err := os.WriteFile(exePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	store.entries[id] = &index.Entry{BuildID: id, Executable: strp(exePath)}

	var calls int32
	r := newTestResolver(store, &fakeDeriver{}, &fakeSourceResolver{})

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			key := workKey{buildID: id, kind: KindExecutable}.String()
			_, release, err := r.coord.resolve(key, func() (resolvedArtifact, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return resolvedArtifact{path: exePath, cleanup: noCleanup}, nil
			})
			if err != nil {
				t.Error(err)
			}
			release()
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("underlying resolution ran %d times, want 1", calls)
	}
}

func TestCoordinatorCleanupRunsOnceAllReleased(t *testing.T) {
	r := newTestResolver(newFakeStore(), &fakeDeriver{}, &fakeSourceResolver{})
	var cleaned int32

	const n = 5
	releases := make([]func(), n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, release, err := r.coord.resolve("shared-key", func() (resolvedArtifact, error) {
				return resolvedArtifact{path: "x", cleanup: func() { atomic.AddInt32(&cleaned, 1) }}, nil
			})
			if err != nil {
				t.Error(err)
			}
			releases[i] = release
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&cleaned) != 0 {
		t.Fatalf("cleanup ran before any release, cleaned=%d", cleaned)
	}
	for _, release := range releases[:n-1] {
		release()
	}
	if atomic.LoadInt32(&cleaned) != 0 {
		t.Fatalf("cleanup ran before the last waiter released, cleaned=%d", cleaned)
	}
	releases[n-1]()
	if atomic.LoadInt32(&cleaned) != 1 {
		t.Errorf("cleanup ran %d times after the last release, want 1", cleaned)
	}
}
