// Package benchmark - Timing harness for per-layer latency measurements.
package benchmark

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/profiler"
	"github.com/pkg/errors"
)

// Strategy names a timing methodology.
type Strategy string

const (
	// StrategyDuration loops until a wall-clock budget elapses, one barrier at the end.
	StrategyDuration Strategy = "duration/iters"
	// StrategyEvents brackets every call with device events and waits on each.
	StrategyEvents Strategy = "events-sync"
	// StrategyOneSync runs a fixed count back to back with one barrier at the end.
	StrategyOneSync Strategy = "one-sync-after"
)

// Metric names returned by Results.Map.
const (
	MetricDurationItersCount = "duration_iters_count"
	MetricDurationAvgMS      = "duration_ms_avg"
	MetricEventsTotalMS      = "events_ms_total"
	MetricEventsAvgMS        = "events_ms_avg"
	MetricOneSyncTotalMS     = "one_sync_ms_total"
	MetricOneSyncAvgMS       = "one_sync_ms_avg"
)

// Op is a benchmarked operation. Stateless operations ignore carry; stateful
// ones return the value that feeds their next call.
type Op[T any] func(ctx context.Context, carry T) (T, error)

// Synchronizer is the part of a device the harness needs.
type Synchronizer interface {
	Synchronize() error
	NewEvent() device.Event
}

// Clock supplies host timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// TimingConfig holds the knobs shared by all strategies.
type TimingConfig struct {
	WarmupIters     int           `json:"warmupIters"     yaml:"warmupIters"`
	Duration        time.Duration `json:"duration"        yaml:"duration"`
	FixedIterations int           `json:"fixedIterations" yaml:"fixedIterations"`
}

// DefaultTimingConfig returns the defaults used by the command line.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		WarmupIters:     3,
		Duration:        10 * time.Second,
		FixedIterations: 1000,
	}
}

// Validate checks the timing knobs.
func (c TimingConfig) Validate() error {
	if c.WarmupIters < 0 {
		return errors.Errorf("warmup iterations must be non-negative, got %d", c.WarmupIters)
	}
	if c.Duration < 0 {
		return errors.Errorf("duration must be non-negative, got %s", c.Duration)
	}
	if c.FixedIterations <= 0 {
		return errors.Errorf("fixed iterations must be positive, got %d", c.FixedIterations)
	}
	return nil
}

// StrategyResult is the outcome of one strategy.
type StrategyResult struct {
	Strategy   Strategy `json:"strategy"   yaml:"strategy"`
	Iterations int      `json:"iterations" yaml:"iterations"`
	TotalMS    float64  `json:"totalMs"    yaml:"totalMs"`
	AvgMS      float64  `json:"avgMs"      yaml:"avgMs"`
}

// Results holds the three strategy results for one operation.
type Results struct {
	Label    string         `json:"label"    yaml:"label"`
	Duration StrategyResult `json:"duration" yaml:"duration"`
	Events   StrategyResult `json:"events"   yaml:"events"`
	OneSync  StrategyResult `json:"oneSync"  yaml:"oneSync"`
}

// Map flattens the results into metric name/value pairs.
func (r *Results) Map() map[string]float64 {
	return map[string]float64{
		MetricDurationItersCount: float64(r.Duration.Iterations),
		MetricDurationAvgMS:      r.Duration.AvgMS,
		MetricEventsTotalMS:      r.Events.TotalMS,
		MetricEventsAvgMS:        r.Events.AvgMS,
		MetricOneSyncTotalMS:     r.OneSync.TotalMS,
		MetricOneSyncAvgMS:       r.OneSync.AvgMS,
	}
}

// MeasureArgs configures a Measure call.
type MeasureArgs[T any] struct {
	// Label prefixes every printed line.
	Label string
	// Timing holds warmup, duration and fixed iteration counts.
	Timing TimingConfig
	// Carry is the initial state for a stateful op; nil for stateless ops.
	Carry *T
	// Out receives one line per strategy (default: os.Stdout).
	Out io.Writer
	// Clock supplies host timestamps (default: wall clock).
	Clock Clock
	// Tracer, when set, records one host span per phase.
	Tracer *profiler.Tracer
}

// Measure runs op under the three timing strategies.
//
// Warmup calls run first and are followed by a full device barrier. The
// events strategy ends with one more full barrier: its events complete even
// behind a failed kernel, so that barrier is what surfaces a sticky kernel
// error before the next strategy starts. Any failure from the op, an event or
// a barrier aborts the run; the interrupted strategy reports nothing.
//
// Arguments:
//   - ctx: Passed through to every op call.
//   - dev: The device that op dispatches to.
//   - op: The operation to benchmark.
//   - args: The measurement arguments.
//
// Returns:
//   - *Results: Per-strategy statistics in milliseconds.
//   - error: The first failure, if any.
func Measure[T any](ctx context.Context, dev Synchronizer, op Op[T], args MeasureArgs[T]) (*Results, error) {
	m := &measurement[T]{
		ctx:    ctx,
		dev:    dev,
		op:     op,
		args:   args,
		out:    args.Out,
		clock:  args.Clock,
		tracer: args.Tracer,
	}
	if m.out == nil {
		m.out = os.Stdout
	}
	if m.clock == nil {
		m.clock = wallClock{}
	}
	if args.Carry != nil {
		m.carry = *args.Carry
		m.stateful = true
	}

	if err := m.warmup(); err != nil {
		return nil, errors.Wrapf(err, "%s: warmup", args.Label)
	}

	results := &Results{Label: args.Label}
	var err error

	if results.Duration, err = m.durationLoop(); err != nil {
		return nil, errors.Wrapf(err, "%s [%s]", args.Label, StrategyDuration)
	}
	fmt.Fprintf(m.out, "%s [%s]: duration_s=%.3f, iters=%d, avg_time_ms=%.3f\n",
		args.Label, StrategyDuration, args.Timing.Duration.Seconds(),
		results.Duration.Iterations, results.Duration.AvgMS)

	if results.Events, err = m.eventLoop(); err != nil {
		return nil, errors.Wrapf(err, "%s [%s]", args.Label, StrategyEvents)
	}
	fmt.Fprintf(m.out, "%s [%s]: iters=%d, total_ms=%.3f, avg_time_ms=%.3f\n",
		args.Label, StrategyEvents, results.Events.Iterations, results.Events.TotalMS, results.Events.AvgMS)

	if results.OneSync, err = m.oneSyncLoop(); err != nil {
		return nil, errors.Wrapf(err, "%s [%s]", args.Label, StrategyOneSync)
	}
	fmt.Fprintf(m.out, "%s [%s]: iters=%d, total_ms=%.3f, avg_time_ms=%.3f\n",
		args.Label, StrategyOneSync, results.OneSync.Iterations, results.OneSync.TotalMS, results.OneSync.AvgMS)

	return results, nil
}

type measurement[T any] struct {
	ctx      context.Context
	dev      Synchronizer
	op       Op[T]
	args     MeasureArgs[T]
	out      io.Writer
	clock    Clock
	tracer   *profiler.Tracer
	carry    T
	stateful bool
}

// call invokes op once and advances the carry for stateful ops.
func (m *measurement[T]) call() error {
	out, err := m.op(m.ctx, m.carry)
	if err != nil {
		return err
	}
	if m.stateful {
		m.carry = out
	}
	return nil
}

func (m *measurement[T]) span(phase string) func() {
	return m.tracer.StartOperation(fmt.Sprintf("%s [%s]", m.args.Label, phase))
}

func (m *measurement[T]) warmup() error {
	defer m.span("warmup")()

	for i := 0; i < m.args.Timing.WarmupIters; i++ {
		if err := m.call(); err != nil {
			return errors.Wrapf(err, "iteration %d", i)
		}
	}
	return m.dev.Synchronize()
}

// durationLoop averages over the target duration rather than the measured
// one; the exit check runs before each call, so a zero duration yields zero
// iterations.
func (m *measurement[T]) durationLoop() (StrategyResult, error) {
	defer m.span(string(StrategyDuration))()

	target := m.args.Timing.Duration
	iters := 0
	start := m.clock.Now()
	for m.clock.Now().Sub(start) < target {
		if err := m.call(); err != nil {
			return StrategyResult{}, errors.Wrapf(err, "iteration %d", iters)
		}
		iters++
	}
	if err := m.dev.Synchronize(); err != nil {
		return StrategyResult{}, err
	}

	targetMS := durationMS(target)
	return StrategyResult{
		Strategy:   StrategyDuration,
		Iterations: iters,
		TotalMS:    targetMS,
		AvgMS:      targetMS / float64(max(iters, 1)),
	}, nil
}

func (m *measurement[T]) eventLoop() (StrategyResult, error) {
	defer m.span(string(StrategyEvents))()

	n := m.args.Timing.FixedIterations
	var total time.Duration
	for i := 0; i < n; i++ {
		start, end := m.dev.NewEvent(), m.dev.NewEvent()
		if err := start.Record(); err != nil {
			return StrategyResult{}, err
		}
		if err := m.call(); err != nil {
			return StrategyResult{}, errors.Wrapf(err, "iteration %d", i)
		}
		if err := end.Record(); err != nil {
			return StrategyResult{}, err
		}
		if err := end.Synchronize(); err != nil {
			return StrategyResult{}, err
		}
		elapsed, err := start.Elapsed(end)
		if err != nil {
			return StrategyResult{}, err
		}
		total += elapsed
	}
	// Events complete even behind a failed kernel; surface that failure here.
	if err := m.dev.Synchronize(); err != nil {
		return StrategyResult{}, err
	}

	totalMS := durationMS(total)
	return StrategyResult{
		Strategy:   StrategyEvents,
		Iterations: n,
		TotalMS:    totalMS,
		AvgMS:      totalMS / float64(max(n, 1)),
	}, nil
}

func (m *measurement[T]) oneSyncLoop() (StrategyResult, error) {
	defer m.span(string(StrategyOneSync))()

	n := m.args.Timing.FixedIterations
	start := m.clock.Now()
	for i := 0; i < n; i++ {
		if err := m.call(); err != nil {
			return StrategyResult{}, errors.Wrapf(err, "iteration %d", i)
		}
	}
	if err := m.dev.Synchronize(); err != nil {
		return StrategyResult{}, err
	}

	totalMS := durationMS(m.clock.Now().Sub(start))
	return StrategyResult{
		Strategy:   StrategyOneSync,
		Iterations: n,
		TotalMS:    totalMS,
		AvgMS:      totalMS / float64(max(n, 1)),
	}, nil
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
