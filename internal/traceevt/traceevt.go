// Package traceevt emits a Chrome Trace Event Format stream describing
// indexation epochs, adapted from the teacher's internal/trace package
// (itself a generic JSON-array trace sink). Where the teacher instruments
// CPU/memory counters for build timing, its only caller here is the
// indexer, which records one event per indexation pass and the
// pass-launched counter; resolution requests are not traced.
package traceevt

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = io.Discard
)

// Sink directs all subsequent Event()s to w as a Chrome trace event file.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	w.Write([]byte{'['}) // JSON Array Format; trailing ']' is optional
}

// Enable creates $TMPDIR/debugindexd.traces/prefix.$PID and sinks events
// there, mirroring the teacher's trace.Enable convenience constructor.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "debugindexd.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0o755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// PendingEvent is a started-but-not-yet-completed trace event.
type PendingEvent struct {
	Name           string      `json:"name"`
	Categories     string      `json:"cat"`
	Type           string      `json:"ph"`
	ClockTimestamp uint64      `json:"ts"`
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"`
	Tid            uint64      `json:"tid"`
	Args           interface{} `json:"args"`

	start time.Time
}

// Done marks the event complete and writes it to the sink.
func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		log.Printf("[traceevt] marshal: %v", err)
		return
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[traceevt] write: %v", err)
	}
}

// Event starts a new trace event named name on logical track tid. Category
// groups related events (e.g. "indexation", "resolve", "extract") so a
// trace viewer can filter by subsystem.
func Event(name, category string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Categories:     category,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}

// Counter emits an instantaneous counter sample, used for the indexation
// pass-launched instrumentation counter.
func Counter(name string, pid int, values map[string]uint64) {
	ev := Event(name, "counter", 0)
	ev.Pid = uint64(pid)
	ev.Type = "C"
	ev.Args = values
	ev.Done()
}
