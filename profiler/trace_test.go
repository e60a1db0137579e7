package profiler

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTracerIsInert(t *testing.T) {
	var tr *Tracer

	done := tr.StartOperation("noop")
	done()
	tr.Slice("device", "kernel", StreamThreadBase, time.Now(), time.Millisecond, nil)
	tr.Instant("marker", nil)

	assert.Nil(t, tr.Events())
	assert.Nil(t, tr.Summary())
	assert.Error(t, tr.WriteChromeTrace(&bytes.Buffer{}))
}

func TestTracerSummaryAggregates(t *testing.T) {
	tr := NewTracer(TracerOptions{})
	start := time.Now()

	tr.Slice("device", "mlp", StreamThreadBase, start, 2*time.Millisecond, nil)
	tr.Slice("device", "mlp", StreamThreadBase, start, 4*time.Millisecond, nil)
	tr.Slice("device", "attention", StreamThreadBase, start, time.Millisecond, nil)

	summary := tr.Summary()
	require.Len(t, summary, 2)

	assert.Equal(t, "mlp", summary[0].Name)
	assert.Equal(t, int64(2), summary[0].Count)
	assert.Equal(t, 3*time.Millisecond, summary[0].Avg)
	assert.Equal(t, 2*time.Millisecond, summary[0].Min)
	assert.Equal(t, 4*time.Millisecond, summary[0].Max)
	assert.Equal(t, "attention", summary[1].Name)
}

func TestTracerMaxEventsKeepsAggregates(t *testing.T) {
	tr := NewTracer(TracerOptions{MaxEvents: 2})
	for i := 0; i < 5; i++ {
		tr.Slice("device", "k", StreamThreadBase, time.Now(), time.Microsecond, nil)
	}

	assert.Len(t, tr.Events(), 2)
	assert.Equal(t, int64(3), tr.Dropped())
	require.Len(t, tr.Summary(), 1)
	assert.Equal(t, int64(5), tr.Summary()[0].Count)
}

func TestWriteChromeTrace(t *testing.T) {
	tr := NewTracer(TracerOptions{})
	tr.NameThread(StreamThreadBase, "stream 0")
	done := tr.StartOperation("Attention [events-sync]")
	done()
	tr.Slice("device", "qwen3.attention", StreamThreadBase, time.Now(), time.Millisecond,
		map[string]interface{}{"layer": "model.layers.0.self_attn.attn"})

	var buf bytes.Buffer
	require.NoError(t, tr.WriteChromeTrace(&buf))

	var decoded struct {
		TraceEvents     []TraceEvent `json:"traceEvents"`
		DisplayTimeUnit string       `json:"displayTimeUnit"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "ms", decoded.DisplayTimeUnit)

	var meta, slices int
	for _, ev := range decoded.TraceEvents {
		switch ev.Phase {
		case "M":
			meta++
		case "X":
			slices++
		}
	}
	assert.Equal(t, 2, meta)
	assert.Equal(t, 2, slices)
}

func TestSaveChromeTraceCreatesDirectories(t *testing.T) {
	tr := NewTracer(TracerOptions{})
	tr.Instant("start", nil)

	path := filepath.Join(t.TempDir(), "nested", "trace.json")
	require.NoError(t, tr.SaveChromeTrace(path))
	assert.FileExists(t, path)
}

func TestRuntimeProfilerRecordMetric(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{
		MaxSamples: 2,
		Logger:     log.New(&bytes.Buffer{}),
	})

	rp.RecordMetric("attention.events_ms_avg", 1)
	rp.RecordMetric("attention.events_ms_avg", 3)
	rp.RecordMetric("attention.events_ms_avg", 5)

	stats := rp.GetCurrentStats()
	custom := stats["custom_metrics"].(map[string]interface{})
	metric := custom["attention.events_ms_avg"].(map[string]interface{})

	assert.Equal(t, 4.0, metric["avg"])
	assert.Equal(t, 1.0, metric["min"])
	assert.Equal(t, 5.0, metric["max"])
	assert.Equal(t, 2, metric["samples"])
}

func TestRuntimeProfilerStartStop(t *testing.T) {
	var out bytes.Buffer
	rp := NewRuntimeProfiler(ProfilingOptions{
		ReportInterval: 5 * time.Millisecond,
		Logger:         log.New(&out),
		Tracer:         NewTracer(TracerOptions{}),
	})

	rp.Start()
	rp.Start()
	time.Sleep(20 * time.Millisecond)
	rp.Stop()
	rp.Stop()

	assert.Contains(t, out.String(), "status")
}
