package benchmark

import (
	"context"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chewxy/math32"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/nvr-ai/layerbench/inference/forward"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/nvr-ai/layerbench/profiler"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Runner executes one scenario end to end.
type Runner interface {
	Run(ctx context.Context, scenario Scenario) (*LayerResult, error)
}

// LayerRunner benchmarks the first decoder layer of a freshly built engine.
//
// Every Run builds its own engine and tears it down before returning, so
// scenarios never share device memory or the rendezvous port.
type LayerRunner struct {
	// Base supplies the engine arguments a scenario does not set.
	Base inference.EngineArgs
	// Logger receives lifecycle logs (default: log.Default()).
	Logger *log.Logger
	// Out receives the per-strategy result lines (default: os.Stdout).
	Out io.Writer
	// Tracer, when set, records host spans and device kernels.
	Tracer *profiler.Tracer
	// Profiler, when set, receives every result metric.
	Profiler *profiler.RuntimeProfiler
	// DeviceOptions are passed to the host device.
	DeviceOptions []device.Option
	// DistributedInitMethod is the rendezvous address (default tcp://127.0.0.1:5000).
	DistributedInitMethod string
	// PostExitSleep is slept after teardown.
	PostExitSleep time.Duration
}

// NewLayerRunner creates a runner with the default engine arguments.
func NewLayerRunner(logger *log.Logger) *LayerRunner {
	return &LayerRunner{Base: inference.DefaultEngineArgs(), Logger: logger}
}

// layerState is the carry of a full decoder layer.
type layerState struct {
	hidden   *tensor.Dense
	residual *tensor.Dense
}

// Run builds the engine for scenario, measures attention and MLP (and the
// whole decoder layer when requested) and tears the engine down.
//
// Arguments:
//   - ctx: The parent context; the forward context is derived from it.
//   - scenario: The scenario to run.
//
// Returns:
//   - *LayerResult: The measurements.
//   - error: The first failure of engine setup or measurement.
func (r *LayerRunner) Run(ctx context.Context, scenario Scenario) (*LayerResult, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("scenario", scenario.Name)
	out := r.Out
	if out == nil {
		out = os.Stdout
	}

	start := time.Now()
	cpuStart := readCPUMetrics()

	opts := append([]device.Option{}, r.DeviceOptions...)
	if r.Tracer != nil {
		opts = append(opts, device.WithTracer(r.Tracer))
	}
	engine, err := inference.NewEngineBuilder(logger).
		WithArgs(scenario.EngineArgs(r.Base)).
		WithWorker(inference.WorkerArgs{
			DistributedInitMethod: r.DistributedInitMethod,
			IsDriverWorker:        true,
		}, inference.WithDeviceOptions(opts...)).
		WithKVCache().
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "build engine")
	}
	defer engine.Teardown(r.PostExitSleep).Run()

	layer := engine.Model().DecoderLayers()[0]
	attn := layer.SelfAttention()
	spec := attn.KVCacheSpec()

	batch := attention.NewUniformDecode(scenario.NumSeq, scenario.SeqLen, spec.BlockSize)
	if used := batch.NumBlocksUsed(); used > engine.KVCache.NumBlocks {
		return nil, errors.Wrapf(inference.ErrInsufficientKVCache,
			"batch needs %d blocks, cache holds %d", used, engine.KVCache.NumBlocks)
	}
	md, err := attn.Backend().
		NewBuilder(spec, []string{attn.LayerName()}, attention.BuilderConfig{
			MaxNumSeqs:  engine.Config.Scheduler.MaxNumSeqs,
			MaxModelLen: engine.Config.Scheduler.MaxModelLen,
		}).
		Build(0, batch, false)
	if err != nil {
		return nil, errors.Wrap(err, "build attention metadata")
	}

	fwdCtx, release := forward.Set(ctx, &forward.Context{
		AttnMetadata:      map[string]*attention.Metadata{attn.LayerName(): md},
		NumTokens:         batch.NumActualTokens,
		NumTokensAcrossDP: []int{batch.NumActualTokens},
		GraphMode:         forward.GraphModeNone,
		Batch:             forward.BatchDescriptor{NumTokens: batch.NumActualTokens, UniformDecode: true},
	})
	defer release()

	cfg := engine.Model().Config()
	hidden := randomHidden(batch.NumActualTokens, cfg.HiddenSize, engine.Config.Seed)
	positions := make([]int64, batch.NumActualTokens)
	for i := range positions {
		positions[i] = int64(scenario.SeqLen)
	}

	dev := engine.Device()
	// One call fills the cache slots of the batch before timing starts.
	if _, err := attn.Forward(fwdCtx, positions, hidden); err != nil {
		return nil, errors.Wrap(err, "initial attention call")
	}
	if err := dev.Synchronize(); err != nil {
		return nil, errors.Wrap(err, "initial attention call")
	}

	timing := scenario.Timing()
	logger.Info("measuring", "model", cfg.Name, "num_seq", scenario.NumSeq, "seq_len", scenario.SeqLen,
		"kv_blocks", engine.KVCache.NumBlocks, "device", dev.Name())

	result := &LayerResult{
		Scenario:         scenario,
		Timestamp:        start,
		Device:           dev.Name(),
		KVCacheBlocks:    engine.KVCache.NumBlocks,
		AvailableKVBytes: engine.AvailableBytes,
	}

	result.Attention, err = Measure(fwdCtx, dev,
		func(ctx context.Context, _ *tensor.Dense) (*tensor.Dense, error) {
			return attn.Forward(ctx, positions, hidden)
		},
		MeasureArgs[*tensor.Dense]{
			Label:  moduleLabel("Attention", cfg.Family),
			Timing: timing,
			Out:    out,
			Tracer: r.Tracer,
		})
	if err != nil {
		return nil, err
	}
	r.record("attention", result.Attention)

	mlp := layer.FeedForward()
	carry := hidden.Clone().(*tensor.Dense)
	last := carry
	result.MLP, err = Measure(fwdCtx, dev,
		func(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
			y, err := mlp.Forward(ctx, x)
			if err == nil {
				last = y
			}
			return y, err
		},
		MeasureArgs[*tensor.Dense]{
			Label:  moduleLabel("MLP", cfg.Family),
			Timing: timing,
			Carry:  &carry,
			Out:    out,
			Tracer: r.Tracer,
		})
	if err != nil {
		return nil, err
	}
	r.record("mlp", result.MLP)
	// The carried hidden state decays towards zero under repeated MLP calls.
	result.MLPCarryMaxAbs = maxAbs(last)
	logger.Info("mlp carry", "max_abs", result.MLPCarryMaxAbs)
	if result.MLPCarryMaxAbs == 0 {
		logger.Warn("mlp carry collapsed to zero; later mlp calls ran on zero input")
	}

	if scenario.DecoderLayer {
		state := layerState{hidden: hidden.Clone().(*tensor.Dense)}
		result.DecoderLayer, err = Measure(fwdCtx, dev,
			func(ctx context.Context, s layerState) (layerState, error) {
				h, res, err := layer.Forward(ctx, positions, s.hidden, s.residual)
				return layerState{hidden: h, residual: res}, err
			},
			MeasureArgs[layerState]{
				Label:  moduleLabel("DecoderLayer", cfg.Family),
				Timing: timing,
				Carry:  &state,
				Out:    out,
				Tracer: r.Tracer,
			})
		if err != nil {
			return nil, err
		}
		r.record("decoder_layer", result.DecoderLayer)
	}

	result.TotalDuration = time.Since(start)
	result.MemoryStats = readMemoryMetrics()
	result.DeviceMemory = dev.Stats()
	result.CPUStats = readCPUMetrics().Sub(cpuStart)
	return result, nil
}

func (r *LayerRunner) record(prefix string, res *Results) {
	if r.Profiler == nil || res == nil {
		return
	}
	for name, v := range res.Map() {
		r.Profiler.RecordMetric(prefix+"."+name, v)
	}
}

// moduleLabel names a module the way its class is named, e.g.
// "Attention (Qwen3Attention)".
func moduleLabel(kind string, family model.Family) string {
	name := string(family)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return kind + " (" + name + kind + ")"
}

// randomHidden returns standard normal hidden states of shape (tokens, hidden).
func randomHidden(tokens, hidden int, seed int64) *tensor.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, tokens*hidden)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(tokens, hidden), tensor.WithBacking(data))
}

// maxAbs returns the largest absolute element of t.
func maxAbs(t *tensor.Dense) float64 {
	var m float32
	for _, v := range t.Data().([]float32) {
		m = math32.Max(m, math32.Abs(v))
	}
	return float64(m)
}
