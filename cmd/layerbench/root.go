package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/benchmark"
	"github.com/nvr-ai/layerbench/common"
	"github.com/nvr-ai/layerbench/inference"
	"github.com/nvr-ai/layerbench/models"
	"github.com/nvr-ai/layerbench/profiler"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LAYERBENCH"

// flagAliases maps the spellings accepted for backwards compatibility.
var flagAliases = map[string]string{
	"warmup_ters": "warmup-iters",
	"seq-length":  "seq-len",
}

// options is the resolved command line.
type options struct {
	ModelName             string
	WarmupIters           int
	DurationS             float64
	FixedIterations       int
	Dtype                 string
	MaxModelLen           int
	NumSeq                int
	SeqLen                int
	GPUMemoryUtilization  float64
	PostExitSleep         time.Duration
	BlockSize             int
	NumGPUBlocksOverride  int
	Seed                  int64
	DistributedInitMethod string
	DecoderLayer          bool
	Scenarios             string
	Preset                string
	OutputDir             string
	TraceOutput           string
	Profile               bool
	ProfileInterval       time.Duration
	LogLevel              string

	// explicit holds the keys set by a flag, the environment or a config
	// file rather than left at their defaults.
	explicit map[string]bool
	// skipped names the preset scenarios longer than the overridden max
	// model len.
	skipped []string
}

// presetOverrides are the settings copied onto every preset scenario when
// they are set explicitly. Batch shape and model stay with the preset.
var presetOverrides = []string{
	"dtype", "warmup-iters", "duration-s", "fixed-iterations", "max-model-len",
	"block-size", "gpu-memory-utilization", "decoder-layer",
}

func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if alias, ok := flagAliases[name]; ok {
		name = alias
	}
	return pflag.NormalizedName(name)
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "layerbench",
		Short: "Time the attention and MLP blocks of one decoder layer",
		Long: `layerbench builds one decoder layer of a Qwen3 model on the host device,
binds a paged KV cache and times the attention and MLP blocks with three
methods: a wall-clock duration loop, per-call device events, and a fixed
iteration count with a single barrier.

Every flag can also be set through a LAYERBENCH_* environment variable
(e.g. LAYERBENCH_NUM_SEQ=16) or a YAML/JSON/TOML config file.`,
		Example: `  layerbench --model-name Qwen/Qwen3-8B --num-seq 8 --seq-len 4096
  layerbench --preset seq-len --output-dir ./results
  layerbench --scenarios sweep.yaml --trace-output trace.json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cmd, cfgFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}
			return run(cmd, opts)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	defaults := inference.DefaultEngineArgs()
	timing := benchmark.DefaultTimingConfig()

	f := cmd.Flags()
	f.String("model-name", defaults.Model, "model id")
	f.Int("warmup-iters", timing.WarmupIters, "warmup iterations before timing")
	f.Float64("duration-s", timing.Duration.Seconds(), "wall-clock duration of the timing loop in seconds")
	f.Int("fixed-iterations", timing.FixedIterations, "fixed iterations for event and single-sync timing")
	f.String("dtype", defaults.Dtype, "storage dtype (float16, fp16, bfloat16, bf16, float32, fp32)")
	f.Int("max-model-len", defaults.MaxModelLen, "maximum context length")
	f.Int("num-seq", 8, "number of sequences in the batch")
	f.Int("seq-len", 4096, "sequence length per request")
	f.Float64("gpu-memory-utilization", defaults.GPUMemoryUtilization, "fraction of device memory the engine may use")
	f.Float64("post-exit-sleep", 0, "seconds to sleep after cleanup for sequential runs")
	f.Int("block-size", defaults.BlockSize, "kv cache block size in tokens")
	f.Int("num-gpu-blocks-override", 0, "use this many kv cache blocks instead of the profiled count")
	f.Int64("seed", 0, "seed for weights, kv cache contents and hidden states")
	f.String("distributed-init-method", inference.DefaultDistributedInitMethod, "rendezvous address (tcp://host:port)")
	f.Bool("decoder-layer", false, "also time the full decoder layer")
	f.String("scenarios", "", "run the scenarios of this yaml or json file")
	f.String("preset", "", fmt.Sprintf("run a predefined scenario set (%s)", strings.Join(benchmark.Presets, ", ")))
	f.String("output-dir", "", "save results as json and csv into this directory")
	f.String("trace-output", "", "write a chrome/perfetto trace to this file")
	f.Bool("profile", false, "log periodic runtime status while running")
	f.Duration("profile-interval", 2*time.Second, "interval between runtime status reports")

	cmd.AddCommand(newScenariosCmd(v))
	cmd.AddCommand(newModelsCmd())
	cmd.SetGlobalNormalizationFunc(normalizeFlagName)
	return cmd
}

// initConfig binds flags, environment and the optional config file to v.
func initConfig(v *viper.Viper, cmd *cobra.Command, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", cfgFile)
		}
	}
	return nil
}

func loadOptions(v *viper.Viper) (*options, error) {
	opts := &options{
		ModelName:             v.GetString("model-name"),
		WarmupIters:           v.GetInt("warmup-iters"),
		DurationS:             v.GetFloat64("duration-s"),
		FixedIterations:       v.GetInt("fixed-iterations"),
		Dtype:                 v.GetString("dtype"),
		MaxModelLen:           v.GetInt("max-model-len"),
		NumSeq:                v.GetInt("num-seq"),
		SeqLen:                v.GetInt("seq-len"),
		GPUMemoryUtilization:  v.GetFloat64("gpu-memory-utilization"),
		PostExitSleep:         time.Duration(v.GetFloat64("post-exit-sleep") * float64(time.Second)),
		BlockSize:             v.GetInt("block-size"),
		NumGPUBlocksOverride:  v.GetInt("num-gpu-blocks-override"),
		Seed:                  v.GetInt64("seed"),
		DistributedInitMethod: v.GetString("distributed-init-method"),
		DecoderLayer:          v.GetBool("decoder-layer"),
		Scenarios:             v.GetString("scenarios"),
		Preset:                v.GetString("preset"),
		OutputDir:             v.GetString("output-dir"),
		TraceOutput:           v.GetString("trace-output"),
		Profile:               v.GetBool("profile"),
		ProfileInterval:       v.GetDuration("profile-interval"),
		LogLevel:              v.GetString("log-level"),
		explicit:              make(map[string]bool),
	}
	for _, key := range presetOverrides {
		if v.IsSet(key) {
			opts.explicit[key] = true
		}
	}

	if _, err := common.ParsePrecision(opts.Dtype); err != nil {
		return nil, err
	}
	if opts.Scenarios != "" && opts.Preset != "" {
		return nil, errors.New("--scenarios and --preset are mutually exclusive")
	}
	if opts.PostExitSleep < 0 {
		return nil, errors.Errorf("post-exit sleep must be non-negative, got %s", opts.PostExitSleep)
	}
	return opts, nil
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "layerbench",
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	}), nil
}

// scenarioSet resolves what to run: a file, a preset, or the single
// scenario described by the flags.
func (o *options) scenarioSet() (*benchmark.ScenarioSet, error) {
	switch {
	case o.Scenarios != "":
		return benchmark.LoadScenarioSet(o.Scenarios)
	case o.Preset != "":
		set, err := (&benchmark.PredefinedScenarios{}).Preset(o.Preset, o.ModelName)
		if err != nil {
			return nil, err
		}
		kept := set.Scenarios[:0]
		for _, sc := range set.Scenarios {
			o.overlay(&sc)
			if sc.MaxModelLen > 0 && sc.SeqLen > sc.MaxModelLen {
				o.skipped = append(o.skipped, sc.Name)
				continue
			}
			if err := sc.Validate(); err != nil {
				return nil, err
			}
			kept = append(kept, sc)
		}
		if len(kept) == 0 {
			return nil, errors.Errorf("preset %q: no scenario fits max model len %d", o.Preset, o.MaxModelLen)
		}
		set.Scenarios = kept
		return set, nil
	}
	sc := benchmark.NewScenarioBuilder(fmt.Sprintf("%s_b%d_s%d", o.ModelName, o.NumSeq, o.SeqLen)).
		WithModel(o.ModelName).
		WithDtype(o.Dtype).
		WithBatch(o.NumSeq, o.SeqLen).
		WithMaxModelLen(o.MaxModelLen).
		WithBlockSize(o.BlockSize).
		WithMemoryUtilization(o.GPUMemoryUtilization).
		WithWarmupIters(o.WarmupIters).
		WithDuration(time.Duration(o.DurationS * float64(time.Second))).
		WithFixedIterations(o.FixedIterations).
		WithDecoderLayer(o.DecoderLayer).
		Build()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &benchmark.ScenarioSet{Name: sc.Name, Scenarios: []benchmark.Scenario{sc}}, nil
}

// overlay copies the explicitly set options onto sc.
func (o *options) overlay(sc *benchmark.Scenario) {
	for key := range o.explicit {
		switch key {
		case "dtype":
			sc.Dtype = o.Dtype
		case "warmup-iters":
			sc.WarmupIters = o.WarmupIters
		case "duration-s":
			sc.DurationS = o.DurationS
		case "fixed-iterations":
			sc.FixedIterations = o.FixedIterations
		case "max-model-len":
			sc.MaxModelLen = o.MaxModelLen
		case "block-size":
			sc.BlockSize = o.BlockSize
		case "gpu-memory-utilization":
			sc.GPUMemoryUtilization = o.GPUMemoryUtilization
		case "decoder-layer":
			sc.DecoderLayer = o.DecoderLayer
		}
	}
}

func (o *options) engineArgs() inference.EngineArgs {
	args := inference.DefaultEngineArgs()
	args.Model = o.ModelName
	args.Dtype = o.Dtype
	args.MaxModelLen = o.MaxModelLen
	args.BlockSize = o.BlockSize
	args.GPUMemoryUtilization = o.GPUMemoryUtilization
	args.NumGPUBlocksOverride = o.NumGPUBlocksOverride
	args.Seed = o.Seed
	return args
}

func run(cmd *cobra.Command, opts *options) error {
	logger, err := newLogger(opts.LogLevel)
	if err != nil {
		return err
	}

	set, err := opts.scenarioSet()
	if err != nil {
		logger.Error("invalid scenarios", "err", err)
		return err
	}

	for _, name := range opts.skipped {
		logger.Warn("skipping scenario longer than max model len", "name", name, "max_model_len", opts.MaxModelLen)
	}

	runner := benchmark.NewLayerRunner(logger)
	runner.Base = opts.engineArgs()
	runner.Out = cmd.OutOrStdout()
	runner.DistributedInitMethod = opts.DistributedInitMethod
	runner.PostExitSleep = opts.PostExitSleep

	if opts.TraceOutput != "" {
		runner.Tracer = profiler.NewTracer(profiler.TracerOptions{})
	}
	if opts.Profile {
		rp := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
			ReportInterval: opts.ProfileInterval,
			Logger:         logger,
			Tracer:         runner.Tracer,
		})
		rp.Start()
		defer rp.Stop()
		runner.Profiler = rp
	}

	suite := benchmark.NewSuite(runner, opts.OutputDir, logger)
	suite.AddScenarioSet(set)
	logger.Info("starting", "scenarios", len(set.Scenarios), "set", set.Name)

	runErr := suite.RunAllScenarios(cmd.Context())

	if runner.Tracer != nil {
		if err := runner.Tracer.SaveChromeTrace(opts.TraceOutput); err != nil {
			logger.Error("failed to save trace", "path", opts.TraceOutput, "err", err)
			if runErr == nil {
				runErr = err
			}
		} else {
			logger.Info("trace saved", "path", opts.TraceOutput, "events", len(runner.Tracer.Events()))
		}
	}
	if runErr != nil {
		for name, err := range suite.Failures() {
			logger.Error("scenario failed", "name", name, "err", err)
		}
		return runErr
	}
	return nil
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the known model ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range models.Names() {
				cfg, err := models.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s hidden=%d intermediate=%d heads=%d/%d head_dim=%d layers=%d\n",
					name, cfg.HiddenSize, cfg.IntermediateSize, cfg.NumAttentionHeads, cfg.NumKeyValueHeads,
					cfg.HeadDim, cfg.NumHiddenLayers)
			}
			return nil
		},
	}
}
