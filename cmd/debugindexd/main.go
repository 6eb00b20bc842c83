// Command debugindexd serves the debuginfod HTTP protocol for a
// content-addressed package store: given a build-id, it returns the
// matching executable, debug-info file, or a compiled-in source file,
// indexing the store lazily in the background. See §1 and §6 for the
// protocol and CLI surface this binary implements; the indexer and
// resolver logic itself lives in internal/resolver.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/distr1/debugindexd/internal/addrfd"
	"github.com/distr1/debugindexd/internal/env"
	"github.com/distr1/debugindexd/internal/index"
	"github.com/distr1/debugindexd/internal/lifecycle"
	"github.com/distr1/debugindexd/internal/resolver"
	"github.com/distr1/debugindexd/internal/sourceextract"
	"github.com/distr1/debugindexd/internal/storeadapter"
	"github.com/distr1/debugindexd/internal/traceevt"
)

func logic(listen, storeRoot, cacheDir, storeTool, trace string, rescanInterval time.Duration, allowUnsignedSubstituters bool) error {
	if trace != "" {
		if err := traceevt.Enable(trace); err != nil {
			return fmt.Errorf("enabling trace: %w", err)
		}
	}

	if cacheDir == "" {
		var err error
		cacheDir, err = env.DefaultCacheDir()
		if err != nil {
			return fmt.Errorf("determining cache directory: %w", err)
		}
	}

	idx, err := index.Open(cacheDir)
	if err != nil {
		return fmt.Errorf("opening index in %s: %w", cacheDir, err)
	}
	lifecycle.OnShutdown(func() {
		if err := idx.Close(); err != nil {
			log.Printf("closing index: %v", err)
		}
	})

	adapter := storeadapter.New(storeRoot, storeTool, allowUnsignedSubstituters)
	extractor := sourceextract.New(adapter)

	r := resolver.New(idx, adapter, extractor, rescanInterval)

	ctx, shutdown := lifecycle.Context()
	defer shutdown()
	r.Start(ctx)

	ln, err := listenMaybeActivated(listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	addrfd.MustWrite(ln.Addr().String())

	srv := &http.Server{Handler: r.Handler()}
	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		srv.Close()
	}()

	log.Printf("debugindexd listening on %s, indexing %s", ln.Addr(), storeRoot)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// listenMaybeActivated implements the minimal socket-activation contract
// (§6 "optional socket-activation mode"): when systemd has handed us a
// listening socket via LISTEN_FDS/LISTEN_PID (file descriptor 3 onward),
// reuse it instead of binding listen ourselves. This convention has no
// representative library in the retrieved example repos, so it is
// implemented directly against the documented file-descriptor-number
// protocol rather than importing an unrelated dependency just to satisfy
// it.
func listenMaybeActivated(listen string) (net.Listener, error) {
	if nfds, ok := activatedSocketCount(); ok && nfds > 0 {
		f := os.NewFile(3, "systemd-activation-socket")
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("adopting activated socket: %w", err)
		}
		return ln, nil
	}
	return net.Listen("tcp", listen)
}

func activatedSocketCount() (int, bool) {
	nfdsStr := os.Getenv("LISTEN_FDS")
	if nfdsStr == "" {
		return 0, false
	}
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr != "" {
		if pid, err := strconv.Atoi(pidStr); err == nil && pid != os.Getpid() {
			return 0, false
		}
	}
	nfds, err := strconv.Atoi(nfdsStr)
	if err != nil {
		return 0, false
	}
	return nfds, true
}

func main() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		// Running interactively: a bare time of day reads easier than
		// log's default date+time prefix for a long-lived foreground process.
		log.SetFlags(log.Ltime)
	}

	var (
		listen                    = flag.String("listen", "localhost:1949", "[host]:port to listen on (ignored under socket activation)")
		storeRoot                 = flag.String("store-root", env.DefaultStoreRoot(), "content-addressed store directory to index")
		cacheDir                  = flag.String("cache-dir", "", "per-user cache directory for the index database (default: platform cache dir)")
		storeTool                 = flag.String("store-tool", "nix-store", "store command-line tool to shell out to for deriver/output queries")
		rescanInterval            = flag.Duration("rescan-interval", 6*time.Hour, "how often to re-scan the store for new builds (0 disables periodic re-scans)")
		allowUnsignedSubstituters = flag.Bool("allow-unsigned-substituters", false, "permit realizing derivations from substituters that do not sign their NARs (§9 open question; off by default)")
		trace                     = flag.String("trace", "", "if set, write a Chrome trace event file named $TMPDIR/debugindexd.traces/<trace>.$PID")
	)
	flag.Parse()

	if err := logic(*listen, *storeRoot, *cacheDir, *storeTool, *trace, *rescanInterval, *allowUnsignedSubstituters); err != nil {
		log.Fatal(err)
	}
}
