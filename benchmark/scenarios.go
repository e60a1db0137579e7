package benchmark

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvr-ai/layerbench/inference"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Scenario is one benchmark configuration: a model, a batch shape and the
// timing knobs.
type Scenario struct {
	Name                 string  `json:"name"                 yaml:"name"`
	Model                string  `json:"model"                yaml:"model"`
	Dtype                string  `json:"dtype"                yaml:"dtype"`
	NumSeq               int     `json:"numSeq"               yaml:"numSeq"`
	SeqLen               int     `json:"seqLen"               yaml:"seqLen"`
	MaxModelLen          int     `json:"maxModelLen"          yaml:"maxModelLen"`
	BlockSize            int     `json:"blockSize"            yaml:"blockSize"`
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization" yaml:"gpuMemoryUtilization"`
	WarmupIters          int     `json:"warmupIters"          yaml:"warmupIters"`
	DurationS            float64 `json:"durationS"            yaml:"durationS"`
	FixedIterations      int     `json:"fixedIterations"      yaml:"fixedIterations"`
	// DecoderLayer also measures the full decoder layer.
	DecoderLayer bool `json:"decoderLayer,omitempty" yaml:"decoderLayer,omitempty"`
}

// Timing returns the scenario's timing configuration.
func (s Scenario) Timing() TimingConfig {
	return TimingConfig{
		WarmupIters:     s.WarmupIters,
		Duration:        time.Duration(math.Round(s.DurationS * float64(time.Second))),
		FixedIterations: s.FixedIterations,
	}
}

// EngineArgs overlays the scenario on base.
func (s Scenario) EngineArgs(base inference.EngineArgs) inference.EngineArgs {
	args := base
	if s.Model != "" {
		args.Model = s.Model
	}
	if s.Dtype != "" {
		args.Dtype = s.Dtype
	}
	if s.MaxModelLen > 0 {
		args.MaxModelLen = s.MaxModelLen
	}
	if s.BlockSize > 0 {
		args.BlockSize = s.BlockSize
	}
	if s.GPUMemoryUtilization > 0 {
		args.GPUMemoryUtilization = s.GPUMemoryUtilization
	}
	if s.NumSeq > args.MaxNumSeqs {
		args.MaxNumSeqs = s.NumSeq
	}
	return args
}

// Validate checks the batch shape and timing knobs.
func (s Scenario) Validate() error {
	if s.NumSeq <= 0 {
		return errors.Errorf("scenario %q: num seq must be positive, got %d", s.Name, s.NumSeq)
	}
	if s.SeqLen <= 0 {
		return errors.Errorf("scenario %q: seq len must be positive, got %d", s.Name, s.SeqLen)
	}
	if s.MaxModelLen > 0 && s.SeqLen > s.MaxModelLen {
		return errors.Errorf("scenario %q: seq len %d exceeds max model len %d", s.Name, s.SeqLen, s.MaxModelLen)
	}
	return errors.Wrapf(s.Timing().Validate(), "scenario %q", s.Name)
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder with the command-line
// defaults.
func NewScenarioBuilder(name string) *ScenarioBuilder {
	args := inference.DefaultEngineArgs()
	timing := DefaultTimingConfig()
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:                 name,
			Model:                args.Model,
			Dtype:                args.Dtype,
			NumSeq:               8,
			SeqLen:               4096,
			MaxModelLen:          args.MaxModelLen,
			BlockSize:            args.BlockSize,
			GPUMemoryUtilization: args.GPUMemoryUtilization,
			WarmupIters:          timing.WarmupIters,
			DurationS:            timing.Duration.Seconds(),
			FixedIterations:      timing.FixedIterations,
		},
	}
}

// WithModel sets the model name
func (sb *ScenarioBuilder) WithModel(name string) *ScenarioBuilder {
	sb.scenario.Model = name
	return sb
}

// WithDtype sets the storage precision
func (sb *ScenarioBuilder) WithDtype(dtype string) *ScenarioBuilder {
	sb.scenario.Dtype = dtype
	return sb
}

// WithBatch sets the number of sequences and their context length
func (sb *ScenarioBuilder) WithBatch(numSeq, seqLen int) *ScenarioBuilder {
	sb.scenario.NumSeq = numSeq
	sb.scenario.SeqLen = seqLen
	return sb
}

// WithMaxModelLen sets the maximum context length
func (sb *ScenarioBuilder) WithMaxModelLen(n int) *ScenarioBuilder {
	sb.scenario.MaxModelLen = n
	return sb
}

// WithBlockSize sets the KV-cache block size
func (sb *ScenarioBuilder) WithBlockSize(n int) *ScenarioBuilder {
	sb.scenario.BlockSize = n
	return sb
}

// WithMemoryUtilization sets the fraction of device memory the engine may use
func (sb *ScenarioBuilder) WithMemoryUtilization(f float64) *ScenarioBuilder {
	sb.scenario.GPUMemoryUtilization = f
	return sb
}

// WithWarmupIters sets the number of warmup calls
func (sb *ScenarioBuilder) WithWarmupIters(n int) *ScenarioBuilder {
	sb.scenario.WarmupIters = n
	return sb
}

// WithDuration sets the duration-loop budget
func (sb *ScenarioBuilder) WithDuration(d time.Duration) *ScenarioBuilder {
	sb.scenario.DurationS = d.Seconds()
	return sb
}

// WithFixedIterations sets the iteration count of the event and one-sync loops
func (sb *ScenarioBuilder) WithFixedIterations(n int) *ScenarioBuilder {
	sb.scenario.FixedIterations = n
	return sb
}

// WithDecoderLayer also measures the full decoder layer
func (sb *ScenarioBuilder) WithDecoderLayer(on bool) *ScenarioBuilder {
	sb.scenario.DecoderLayer = on
	return sb
}

// Build returns the configured scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// ScenarioSet represents a collection of related test scenarios
type ScenarioSet struct {
	Name        string     `json:"name"        yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios"   yaml:"scenarios"`
}

// PredefinedScenarios contains common benchmark scenario sets
type PredefinedScenarios struct{}

// Presets lists the preset names accepted by Preset.
var Presets = []string{"quick", "seq-len", "batch", "models"}

// Preset returns a named scenario set for model.
func (ps *PredefinedScenarios) Preset(name, model string) (*ScenarioSet, error) {
	switch name {
	case "quick":
		return ps.GetQuickScenarios(model), nil
	case "seq-len":
		return ps.GetSeqLenSweepScenarios(model, 8, []int{512, 1024, 2048, 4096, 8192, 16384}), nil
	case "batch":
		return ps.GetBatchSweepScenarios(model, 4096, []int{1, 2, 4, 8, 16, 32, 64}), nil
	case "models":
		return ps.GetModelComparisonScenarios([]string{
			"Qwen/Qwen3-0.6B", "Qwen/Qwen3-1.7B", "Qwen/Qwen3-4B", "Qwen/Qwen3-8B", "Qwen/Qwen3-14B",
		}, 8, 4096), nil
	default:
		return nil, errors.Errorf("unknown preset %q (known: %s)", name, strings.Join(Presets, ", "))
	}
}

// GetQuickScenarios returns a smaller set for quick testing
func (ps *PredefinedScenarios) GetQuickScenarios(model string) *ScenarioSet {
	scenarios := make([]Scenario, 0)
	for _, seqLen := range []int{1024, 4096} {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("quick_%s_seq%d", shortName(model), seqLen)).
			WithModel(model).
			WithBatch(8, seqLen).
			WithDuration(2*time.Second).
			WithFixedIterations(100).
			Build())
	}

	return &ScenarioSet{
		Name:        "Quick Layer Test",
		Description: "Short runs at two context lengths",
		Scenarios:   scenarios,
	}
}

// GetSeqLenSweepScenarios varies the context length at a fixed batch size
func (ps *PredefinedScenarios) GetSeqLenSweepScenarios(model string, numSeq int, seqLens []int) *ScenarioSet {
	scenarios := make([]Scenario, 0, len(seqLens))
	for _, seqLen := range seqLens {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("seqlen_%s_b%d_s%d", shortName(model), numSeq, seqLen)).
			WithModel(model).
			WithBatch(numSeq, seqLen).
			Build())
	}

	return &ScenarioSet{
		Name:        fmt.Sprintf("Sequence Length Sweep - %s", model),
		Description: fmt.Sprintf("Decode attention and MLP latency of %s at batch %d over context lengths", model, numSeq),
		Scenarios:   scenarios,
	}
}

// GetBatchSweepScenarios varies the batch size at a fixed context length
func (ps *PredefinedScenarios) GetBatchSweepScenarios(model string, seqLen int, numSeqs []int) *ScenarioSet {
	scenarios := make([]Scenario, 0, len(numSeqs))
	for _, n := range numSeqs {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("batch_%s_b%d_s%d", shortName(model), n, seqLen)).
			WithModel(model).
			WithBatch(n, seqLen).
			Build())
	}

	return &ScenarioSet{
		Name:        fmt.Sprintf("Batch Size Sweep - %s", model),
		Description: fmt.Sprintf("Decode attention and MLP latency of %s at context %d over batch sizes", model, seqLen),
		Scenarios:   scenarios,
	}
}

// GetModelComparisonScenarios compares different models with the same batch
func (ps *PredefinedScenarios) GetModelComparisonScenarios(models []string, numSeq, seqLen int) *ScenarioSet {
	scenarios := make([]Scenario, 0, len(models))
	for _, m := range models {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("model_%s_b%d_s%d", shortName(m), numSeq, seqLen)).
			WithModel(m).
			WithBatch(numSeq, seqLen).
			Build())
	}

	return &ScenarioSet{
		Name:        fmt.Sprintf("Model Comparison @ b%d s%d", numSeq, seqLen),
		Description: "Compares decoder layers of different model sizes on the same batch",
		Scenarios:   scenarios,
	}
}

func shortName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return strings.ToLower(model)
}

func isYAML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// SaveScenarioSet saves a scenario set as YAML (.yaml, .yml) or JSON.
func SaveScenarioSet(scenarioSet *ScenarioSet, filename string) error {
	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(scenarioSet)
	} else {
		data, err = json.MarshalIndent(scenarioSet, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to marshal scenario set")
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create scenario directory")
		}
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write scenario file")
	}

	return nil
}

// LoadScenarioSet loads a scenario set from a YAML or JSON file. Scenarios
// start from the builder defaults, so files only need the fields they change.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scenario file")
	}

	var raw struct {
		Name        string            `json:"name"        yaml:"name"`
		Description string            `json:"description" yaml:"description"`
		Scenarios   []json.RawMessage `json:"scenarios"   yaml:"-"`
		YAML        []yaml.Node       `json:"-"           yaml:"scenarios"`
	}
	if isYAML(filename) {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal scenario set")
	}

	set := &ScenarioSet{Name: raw.Name, Description: raw.Description}
	decode := func(i int, into *Scenario) error {
		if isYAML(filename) {
			return raw.YAML[i].Decode(into)
		}
		return json.Unmarshal(raw.Scenarios[i], into)
	}
	n := len(raw.Scenarios)
	if isYAML(filename) {
		n = len(raw.YAML)
	}
	for i := 0; i < n; i++ {
		sc := NewScenarioBuilder(fmt.Sprintf("scenario_%d", i)).Build()
		if err := decode(i, &sc); err != nil {
			return nil, errors.Wrapf(err, "scenario %d", i)
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		set.Scenarios = append(set.Scenarios, sc)
	}

	return set, nil
}
