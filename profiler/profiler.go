package profiler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// RuntimeProfiler emits periodic status reports while a long benchmark runs.
//
// Reports include heap usage, goroutine count, custom metrics recorded by the
// caller and the per-operation aggregates of the attached Tracer. All output
// goes through the structured logger, never stdout, so it does not interleave
// with benchmark result lines.
type RuntimeProfiler struct {
	reportInterval time.Duration
	maxSamples     int
	logger         *log.Logger
	tracer         *Tracer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	memStats    runtime.MemStats
	lastGCCount uint32

	customMetrics map[string]*MetricTracker
	collectors    []MetricsCollector
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	name   string
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to emit status reports (default: 2s)
	ReportInterval time.Duration
	// MaxSamples specifies maximum number of samples kept per metric (default: 600)
	MaxSamples int
	// Logger receives the reports (default: log.Default())
	Logger *log.Logger
	// Tracer, when set, contributes operation timings to each report.
	Tracer *Tracer
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *RuntimeProfiler: A configured profiler; call Start to begin reporting.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 2 * time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger.WithPrefix("profiler"),
		tracer:         opts.Tracer,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		customMetrics:  make(map[string]*MetricTracker),
	}
}

// Start begins periodic reporting. Calling Start twice is a no-op.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}

	rp.running = true
	rp.startTime = time.Now()

	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()

		ticker := time.NewTicker(rp.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-rp.ctx.Done():
				return
			case <-ticker.C:
				rp.collect()
				rp.emitStatusReport()
			}
		}
	}()
}

// Stop halts reporting and waits for the reporter goroutine to exit.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	rp.wg.Wait()
}

// AddMetricsCollector registers a collector polled before every report.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The name of the metric.
//   - value: The metric value to record.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordLocked(name, value)
}

func (rp *RuntimeProfiler) recordLocked(name string, value float64) {
	tracker, exists := rp.customMetrics[name]
	if !exists {
		tracker = &MetricTracker{
			name:   name,
			values: make([]float64, 0, 16),
			min:    value,
			max:    value,
		}
		rp.customMetrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	if len(tracker.values) > rp.maxSamples {
		// Remove oldest sample
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}

	tracker.sum += value
	tracker.count++

	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

func (rp *RuntimeProfiler) collect() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)
	for _, collector := range rp.collectors {
		for name, value := range collector.CollectMetrics() {
			rp.recordLocked(name, value)
		}
	}
}

// emitStatusReport logs a status report.
func (rp *RuntimeProfiler) emitStatusReport() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.logger.Info("status",
		"uptime", time.Since(rp.startTime).Truncate(time.Millisecond),
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc", formatBytes(rp.memStats.HeapAlloc),
		"sys", formatBytes(rp.memStats.Sys),
	)

	if rp.memStats.NumGC > rp.lastGCCount {
		rp.logger.Debug("gc",
			"cycles", rp.memStats.NumGC,
			"new", rp.memStats.NumGC-rp.lastGCCount,
			"cpu_fraction", fmt.Sprintf("%.4f%%", rp.memStats.GCCPUFraction*100),
		)
		rp.lastGCCount = rp.memStats.NumGC
	}

	names := make([]string, 0, len(rp.customMetrics))
	for name := range rp.customMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tracker := rp.customMetrics[name]
		if len(tracker.values) == 0 {
			continue
		}
		rp.logger.Info("metric",
			"name", name,
			"avg", fmt.Sprintf("%.3f", tracker.sum/float64(len(tracker.values))),
			"min", fmt.Sprintf("%.3f", tracker.min),
			"max", fmt.Sprintf("%.3f", tracker.max),
			"samples", len(tracker.values),
		)
	}

	for _, op := range rp.tracer.Summary() {
		rp.logger.Info("operation",
			"name", op.Name,
			"avg", op.Avg.Truncate(time.Microsecond),
			"min", op.Min.Truncate(time.Microsecond),
			"max", op.Max.Truncate(time.Microsecond),
			"count", op.Count,
		)
	}
}

// GetCurrentStats returns the current profiling statistics as a snapshot.
//
// Returns:
//   - A map containing current statistics and metrics.
func (rp *RuntimeProfiler) GetCurrentStats() map[string]interface{} {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)

	stats := map[string]interface{}{
		"uptime":     time.Since(rp.startTime),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":      rp.memStats.Alloc,
			"sys":        rp.memStats.Sys,
			"heap_alloc": rp.memStats.HeapAlloc,
			"gc_cycles":  rp.memStats.NumGC,
		},
	}

	customStats := make(map[string]interface{})
	for name, tracker := range rp.customMetrics {
		if len(tracker.values) > 0 {
			customStats[name] = map[string]interface{}{
				"avg":     tracker.sum / float64(len(tracker.values)),
				"min":     tracker.min,
				"max":     tracker.max,
				"samples": len(tracker.values),
			}
		}
	}
	stats["custom_metrics"] = customStats

	return stats
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
