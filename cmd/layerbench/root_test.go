package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvr-ai/layerbench/benchmark"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseOptions(t *testing.T, cfgFile string, args ...string) (*options, error) {
	t.Helper()
	v := viper.New()
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, initConfig(v, cmd, cfgFile))
	return loadOptions(v)
}

func TestDefaults(t *testing.T) {
	opts, err := parseOptions(t, "")
	require.NoError(t, err)

	assert.Equal(t, "Qwen/Qwen3-8B", opts.ModelName)
	assert.Equal(t, 3, opts.WarmupIters)
	assert.Equal(t, 10.0, opts.DurationS)
	assert.Equal(t, 1000, opts.FixedIterations)
	assert.Equal(t, "float16", opts.Dtype)
	assert.Equal(t, 32768, opts.MaxModelLen)
	assert.Equal(t, 8, opts.NumSeq)
	assert.Equal(t, 4096, opts.SeqLen)
	assert.Equal(t, 0.8, opts.GPUMemoryUtilization)
	assert.Equal(t, time.Duration(0), opts.PostExitSleep)
	assert.Equal(t, "info", opts.LogLevel)
}

func TestFlagAliases(t *testing.T) {
	opts, err := parseOptions(t, "", "--warmup_ters", "7", "--seq-length", "128", "--post-exit-sleep", "1.5")
	require.NoError(t, err)

	assert.Equal(t, 7, opts.WarmupIters)
	assert.Equal(t, 128, opts.SeqLen)
	assert.Equal(t, 1500*time.Millisecond, opts.PostExitSleep)
}

func TestEnvAndConfigFile(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "layerbench.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("seq-len: 64\ndtype: bf16\nnum-seq: 3\n"), 0o644))
	t.Setenv("LAYERBENCH_NUM_SEQ", "16")

	opts, err := parseOptions(t, cfg, "--dtype", "fp32")
	require.NoError(t, err)

	assert.Equal(t, 64, opts.SeqLen, "config file")
	assert.Equal(t, 16, opts.NumSeq, "env beats config")
	assert.Equal(t, "fp32", opts.Dtype, "flag beats config")
}

func TestInvalidOptions(t *testing.T) {
	_, err := parseOptions(t, "", "--dtype", "int8")
	assert.Error(t, err)

	_, err = parseOptions(t, "", "--scenarios", "a.yaml", "--preset", "quick")
	assert.Error(t, err)

	_, err = parseOptions(t, "", "--post-exit-sleep=-1")
	assert.Error(t, err)
}

func TestScenarioSetFromFlags(t *testing.T) {
	opts, err := parseOptions(t, "", "--num-seq", "4", "--seq-len", "256", "--duration-s", "0.25")
	require.NoError(t, err)

	set, err := opts.scenarioSet()
	require.NoError(t, err)
	require.Len(t, set.Scenarios, 1)
	sc := set.Scenarios[0]
	assert.Equal(t, 4, sc.NumSeq)
	assert.Equal(t, 256, sc.SeqLen)
	assert.Equal(t, 250*time.Millisecond, sc.Timing().Duration)

	opts.Preset = "batch"
	set, err = opts.scenarioSet()
	require.NoError(t, err)
	assert.Greater(t, len(set.Scenarios), 1)

	opts.Preset = ""
	opts.SeqLen = 0
	_, err = opts.scenarioSet()
	assert.Error(t, err)
}

func TestPresetHonoursExplicitFlags(t *testing.T) {
	opts, err := parseOptions(t, "",
		"--preset", "seq-len",
		"--dtype", "fp32",
		"--fixed-iterations", "5",
		"--duration-s", "0.1",
		"--warmup-iters", "0",
		"--max-model-len", "2048",
		"--block-size", "32",
		"--gpu-memory-utilization", "0.5",
		"--decoder-layer")
	require.NoError(t, err)

	set, err := opts.scenarioSet()
	require.NoError(t, err)
	require.Len(t, set.Scenarios, 3, "seq lens above 2048 are skipped")
	assert.Len(t, opts.skipped, 3)

	for _, sc := range set.Scenarios {
		assert.Equal(t, "fp32", sc.Dtype, sc.Name)
		assert.Equal(t, 5, sc.FixedIterations, sc.Name)
		assert.Equal(t, 100*time.Millisecond, sc.Timing().Duration, sc.Name)
		assert.Equal(t, 0, sc.WarmupIters, sc.Name)
		assert.Equal(t, 2048, sc.MaxModelLen, sc.Name)
		assert.Equal(t, 32, sc.BlockSize, sc.Name)
		assert.Equal(t, 0.5, sc.GPUMemoryUtilization, sc.Name)
		assert.True(t, sc.DecoderLayer, sc.Name)
		assert.LessOrEqual(t, sc.SeqLen, 2048, sc.Name)

		args := sc.EngineArgs(opts.engineArgs())
		assert.Equal(t, "fp32", args.Dtype, sc.Name)
		assert.Equal(t, 2048, args.MaxModelLen, sc.Name)
	}
}

func TestPresetKeepsOwnValuesWithoutFlags(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "layerbench.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("fixed-iterations: 7\n"), 0o644))

	opts, err := parseOptions(t, cfg, "--preset", "quick")
	require.NoError(t, err)

	set, err := opts.scenarioSet()
	require.NoError(t, err)
	require.NotEmpty(t, set.Scenarios)
	for _, sc := range set.Scenarios {
		assert.Equal(t, 7, sc.FixedIterations, "config file counts as explicit")
		assert.Equal(t, 2.0, sc.DurationS, "preset duration kept")
		assert.Equal(t, "float16", sc.Dtype)
	}
	assert.Empty(t, opts.skipped)
}

func TestPresetWithNoFittingScenario(t *testing.T) {
	opts, err := parseOptions(t, "", "--preset", "batch", "--max-model-len", "1024")
	require.NoError(t, err)

	_, err = opts.scenarioSet()
	assert.Error(t, err)
}

func TestScenariosCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"scenarios", "quick", "seq-len", "--dir", dir, "--format", "json"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "quick scenarios to")
	set, err := benchmark.LoadScenarioSet(filepath.Join(dir, "quick_scenarios.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, set.Scenarios)
	_, err = os.Stat(filepath.Join(dir, "seq-len_scenarios.json"))
	assert.NoError(t, err)

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"scenarios", "unknown", "--dir", dir})
	assert.Error(t, cmd.Execute())
}

func TestModelsCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"models"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Qwen/Qwen3-8B")
	assert.Contains(t, out.String(), "test/qwen3-tiny")
}

func TestRunTinyModel(t *testing.T) {
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace.json")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--model-name", "test/qwen3-tiny",
		"--max-model-len", "256",
		"--num-seq", "2",
		"--seq-len", "16",
		"--warmup-iters", "1",
		"--duration-s", "0.01",
		"--fixed-iterations", "2",
		"--num-gpu-blocks-override", "64",
		"--distributed-init-method", "tcp://127.0.0.1:0",
		"--output-dir", dir,
		"--trace-output", trace,
		"--log-level", "error",
	})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "Attention (Qwen3Attention) [duration/iters]: duration_s=0.010"))
	assert.True(t, strings.HasPrefix(lines[5], "MLP (Qwen3MLP) [one-sync-after]: iters=2"))

	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"traceEvents"`)

	csvs, err := filepath.Glob(filepath.Join(dir, "layerbench_summary_*.csv"))
	require.NoError(t, err)
	assert.Len(t, csvs, 1)
}
