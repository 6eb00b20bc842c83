package storeadapter

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrNoDeriver is returned by DeriverOf when no local or substitutable
// deriver could be found; this is the "fails softly" case spec.md §4.A
// describes, not a subprocess error.
var ErrNoDeriver = errors.New("storeadapter: no deriver found")

// run invokes the store tool with args, bounded by timeout, and returns
// trimmed stdout. The child runs in its own process group so a cancelled
// context kills the whole subprocess tree (§5: "Subprocesses spawned for
// that request are killed on cancellation"), not just the direct child.
func (a *Adapter) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.Tool, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 5 * time.Second
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill the whole process group, not just the direct child: store
		// tools sometimes shell out themselves (e.g. to a substituter
		// fetcher).
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", xerrors.Errorf("%s %s: %w (stderr: %s)", a.Tool, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DeriverOf returns the derivation that produced path, per §4.A: a fast
// local query first, then the substituter-aware --valid-derivers query,
// returning the first candidate present locally; only when
// AllowUnsignedSubstituters is set are absent candidates realized from a
// substituter, in the order the query listed them.
func (a *Adapter) DeriverOf(ctx context.Context, path StorePath) (StorePath, error) {
	key := "deriver:" + string(path)
	if v, ok, hit := a.cache.get(key); hit {
		if !ok {
			return "", ErrNoDeriver
		}
		return StorePath(v), nil
	}

	if out, err := a.run(ctx, a.FastQueryTimeout, "--query", "--deriver", string(path)); err == nil {
		if out != "" && out != "unknown-deriver" {
			a.cache.set(key, out, true)
			return StorePath(out), nil
		}
	}

	out, err := a.run(ctx, a.FastQueryTimeout, "--query", "--valid-derivers", string(path))
	if err != nil {
		a.cache.set(key, "", false)
		return "", xerrors.Errorf("%w: %v", ErrNoDeriver, err)
	}
	for _, candidate := range strings.Split(out, "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		drv := StorePath(candidate)
		if a.Exists(drv) {
			a.cache.set(key, candidate, true)
			return drv, nil
		}
		if !a.AllowUnsignedSubstituters {
			continue
		}
		if realized, err := a.Realize(ctx, drv); err == nil {
			a.cache.set(key, string(realized), true)
			return realized, nil
		}
	}

	a.cache.set(key, "", false)
	return "", ErrNoDeriver
}

// Realize ensures path is present locally, invoking the store tool's
// realize verb. Unlike DeriverOf this propagates failure: the caller
// explicitly asked for path to exist. Fetching from an
// AllowUnsignedSubstituters substituter is the one store-adapter
// operation that crosses a trust boundary, so each attempt is tagged
// with a short correlation id for log grep-ability across the
// (possibly slow) subprocess call.
func (a *Adapter) Realize(ctx context.Context, path StorePath) (StorePath, error) {
	attempt := uuid.NewString()
	log.Printf("storeadapter: realize %s attempt=%s", path, attempt)
	out, err := a.run(ctx, a.RealizeTimeout, "--realise", string(path))
	if err != nil {
		return "", xerrors.Errorf("realize %s attempt=%s: %w", path, attempt, err)
	}
	if out == "" {
		return path, nil
	}
	// --realise prints the realized path, one per line; take the first.
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		out = out[:idx]
	}
	return StorePath(out), nil
}
