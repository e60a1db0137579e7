// Package profiler - Operation tracing with chrome/perfetto trace export.
package profiler

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Thread identifiers used in exported traces.
const (
	// HostThread is the track for host-side spans (harness loops, op dispatch).
	HostThread = 0
	// StreamThreadBase is added to a device stream id to obtain its track.
	StreamThreadBase = 100
)

// TraceEvent is a single record of the chrome trace event format.
//
// See: https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU
type TraceEvent struct {
	Name  string                 `json:"name"`
	Cat   string                 `json:"cat,omitempty"`
	Phase string                 `json:"ph"`
	TS    float64                `json:"ts"`
	Dur   float64                `json:"dur,omitempty"`
	PID   int                    `json:"pid"`
	TID   int                    `json:"tid"`
	Args  map[string]interface{} `json:"args,omitempty"`
}

// chromeTrace is the JSON object form of the trace file.
type chromeTrace struct {
	TraceEvents     []TraceEvent `json:"traceEvents"`
	DisplayTimeUnit string       `json:"displayTimeUnit"`
}

// OperationSummary is the aggregate timing of all spans sharing a name.
type OperationSummary struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

func (tt *TimeTracker) observe(d time.Duration) {
	if tt.count == 0 || d < tt.minTime {
		tt.minTime = d
	}
	if d > tt.maxTime {
		tt.maxTime = d
	}
	tt.totalTime += d
	tt.count++
}

// Tracer records host spans and device kernel slices.
//
// A nil *Tracer is valid and records nothing, so callers can thread an
// optional tracer through without guarding every call site.
type Tracer struct {
	mu             sync.Mutex
	origin         time.Time
	pid            int
	maxEvents      int
	dropped        int64
	events         []TraceEvent
	threadNames    map[int]string
	operationTimes map[string]*TimeTracker
}

// TracerOptions configures a Tracer.
type TracerOptions struct {
	// MaxEvents caps the number of retained slices (default: 1,000,000).
	// Aggregates keep counting after the cap is hit.
	MaxEvents int
}

// NewTracer creates a tracer whose timestamps are relative to now.
//
// Arguments:
//   - opts: The tracer options.
//
// Returns:
//   - *Tracer: The tracer.
func NewTracer(opts TracerOptions) *Tracer {
	if opts.MaxEvents == 0 {
		opts.MaxEvents = 1_000_000
	}

	t := &Tracer{
		origin:         time.Now(),
		pid:            os.Getpid(),
		maxEvents:      opts.MaxEvents,
		threadNames:    make(map[int]string),
		operationTimes: make(map[string]*TimeTracker),
	}
	t.threadNames[HostThread] = "host"

	return t
}

// NameThread labels a track in the exported trace.
func (t *Tracer) NameThread(tid int, name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threadNames[tid] = name
}

// StartOperation begins a host span.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
func (t *Tracer) StartOperation(name string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		t.Slice("host", name, HostThread, start, time.Since(start), nil)
	}
}

// Slice records a completed span on the given track.
func (t *Tracer) Slice(cat, name string, tid int, start time.Time, d time.Duration, args map[string]interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.operationTimes[name]
	if !ok {
		tracker = &TimeTracker{name: name}
		t.operationTimes[name] = tracker
	}
	tracker.observe(d)

	if len(t.events) >= t.maxEvents {
		t.dropped++
		return
	}
	t.events = append(t.events, TraceEvent{
		Name:  name,
		Cat:   cat,
		Phase: "X",
		TS:    micros(start.Sub(t.origin)),
		Dur:   micros(d),
		PID:   t.pid,
		TID:   tid,
		Args:  args,
	})
}

// Instant records a zero-duration marker on the host track.
func (t *Tracer) Instant(name string, args map[string]interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) >= t.maxEvents {
		t.dropped++
		return
	}
	t.events = append(t.events, TraceEvent{
		Name:  name,
		Phase: "i",
		TS:    micros(time.Since(t.origin)),
		PID:   t.pid,
		TID:   HostThread,
		Args:  args,
	})
}

// Events returns a copy of the recorded events.
func (t *Tracer) Events() []TraceEvent {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	events := make([]TraceEvent, len(t.events))
	copy(events, t.events)
	return events
}

// Dropped reports how many slices were discarded after MaxEvents was reached.
func (t *Tracer) Dropped() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Summary returns per-operation aggregates sorted by total time, largest first.
func (t *Tracer) Summary() []OperationSummary {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]OperationSummary, 0, len(t.operationTimes))
	for name, tracker := range t.operationTimes {
		if tracker.count == 0 {
			continue
		}
		out = append(out, OperationSummary{
			Name:  name,
			Count: tracker.count,
			Total: tracker.totalTime,
			Avg:   tracker.totalTime / time.Duration(tracker.count),
			Min:   tracker.minTime,
			Max:   tracker.maxTime,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total == out[j].Total {
			return out[i].Name < out[j].Name
		}
		return out[i].Total > out[j].Total
	})
	return out
}

// WriteChromeTrace writes the trace as a JSON object loadable by
// chrome://tracing and ui.perfetto.dev.
func (t *Tracer) WriteChromeTrace(w io.Writer) error {
	if t == nil {
		return errors.New("tracer is nil")
	}

	t.mu.Lock()
	events := make([]TraceEvent, 0, len(t.events)+len(t.threadNames))
	tids := make([]int, 0, len(t.threadNames))
	for tid := range t.threadNames {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	for _, tid := range tids {
		events = append(events, TraceEvent{
			Name:  "thread_name",
			Phase: "M",
			PID:   t.pid,
			TID:   tid,
			Args:  map[string]interface{}{"name": t.threadNames[tid]},
		})
	}
	events = append(events, t.events...)
	t.mu.Unlock()

	enc := json.NewEncoder(w)
	if err := enc.Encode(chromeTrace{TraceEvents: events, DisplayTimeUnit: "ms"}); err != nil {
		return errors.Wrap(err, "failed to encode chrome trace")
	}
	return nil
}

// SaveChromeTrace writes the trace to path, creating parent directories.
func (t *Tracer) SaveChromeTrace(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create trace directory")
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create trace file")
	}
	defer file.Close()

	return t.WriteChromeTrace(file)
}

func micros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e3
}
