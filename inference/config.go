// Package inference - Engine configuration, worker lifecycle and teardown for
// single-layer benchmarks.
package inference

import (
	"github.com/nvr-ai/layerbench/common"
	"github.com/nvr-ai/layerbench/models"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/pkg/errors"
)

// DefaultDistributedInitMethod is the rendezvous address of a single-node run.
const DefaultDistributedInitMethod = "tcp://127.0.0.1:5000"

// EngineArgs are the user-facing engine knobs.
type EngineArgs struct {
	Model                string  `json:"model"                yaml:"model"`
	Dtype                string  `json:"dtype"                yaml:"dtype"`
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization" yaml:"gpuMemoryUtilization"`
	MaxModelLen          int     `json:"maxModelLen"          yaml:"maxModelLen"`
	// MaxNumSeqs bounds the requests in one batch (default 256).
	MaxNumSeqs int `json:"maxNumSeqs" yaml:"maxNumSeqs"`
	// MaxNumBatchedTokens sizes the activation profile (default 8192).
	MaxNumBatchedTokens int `json:"maxNumBatchedTokens" yaml:"maxNumBatchedTokens"`
	BlockSize           int `json:"blockSize"           yaml:"blockSize"`
	// NumGPUBlocksOverride, when positive, replaces the memory-derived block count.
	NumGPUBlocksOverride int   `json:"numGpuBlocksOverride" yaml:"numGpuBlocksOverride"`
	Seed                 int64 `json:"seed"                 yaml:"seed"`
	// LoadLayers is the number of decoder layers to materialise (default 1).
	LoadLayers      int    `json:"loadLayers"      yaml:"loadLayers"`
	Backend         string `json:"backend"         yaml:"backend"`
	TrustRemoteCode bool   `json:"trustRemoteCode" yaml:"trustRemoteCode"`
	DisableLogStats bool   `json:"disableLogStats" yaml:"disableLogStats"`
}

// DefaultEngineArgs returns the command-line defaults.
func DefaultEngineArgs() EngineArgs {
	return EngineArgs{
		Model:                string(model.NameQwen3_8B),
		Dtype:                string(common.PrecisionFP16),
		GPUMemoryUtilization: 0.8,
		MaxModelLen:          32768,
		MaxNumSeqs:           256,
		MaxNumBatchedTokens:  8192,
		BlockSize:            16,
		LoadLayers:           1,
		TrustRemoteCode:      true,
		DisableLogStats:      true,
	}
}

// CacheConfig sizes the paged KV cache.
type CacheConfig struct {
	BlockSize            int     `json:"blockSize"`
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization"`
	NumGPUBlocksOverride int     `json:"numGpuBlocksOverride,omitempty"`
}

// SchedulerConfig bounds batch shapes.
type SchedulerConfig struct {
	MaxModelLen         int `json:"maxModelLen"`
	MaxNumSeqs          int `json:"maxNumSeqs"`
	MaxNumBatchedTokens int `json:"maxNumBatchedTokens"`
}

// EngineConfig is the resolved and validated configuration.
type EngineConfig struct {
	Model      model.Config     `json:"model"`
	Dtype      common.Precision `json:"dtype"`
	Cache      CacheConfig      `json:"cache"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Seed       int64            `json:"seed"`
	LoadLayers int              `json:"loadLayers"`
	Backend    string           `json:"backend"`
}

// CreateEngineConfig resolves the model and validates the arguments.
//
// Returns:
//   - *EngineConfig: The resolved configuration.
//   - error: An unknown model, unsupported dtype or out-of-range knob.
func (a EngineArgs) CreateEngineConfig() (*EngineConfig, error) {
	arch, err := models.Lookup(a.Model)
	if err != nil {
		return nil, err
	}
	dtype, err := common.ParsePrecision(a.Dtype)
	if err != nil {
		return nil, err
	}

	defaults := DefaultEngineArgs()
	if a.MaxNumSeqs <= 0 {
		a.MaxNumSeqs = defaults.MaxNumSeqs
	}
	if a.MaxNumBatchedTokens <= 0 {
		a.MaxNumBatchedTokens = defaults.MaxNumBatchedTokens
	}
	if a.BlockSize <= 0 {
		a.BlockSize = defaults.BlockSize
	}
	if a.LoadLayers <= 0 {
		a.LoadLayers = 1
	}

	switch {
	case a.GPUMemoryUtilization <= 0 || a.GPUMemoryUtilization > 1:
		return nil, errors.Errorf("gpu memory utilization must be in (0, 1], got %g", a.GPUMemoryUtilization)
	case a.MaxModelLen <= 0:
		return nil, errors.Errorf("max model len must be positive, got %d", a.MaxModelLen)
	case a.MaxModelLen > arch.MaxPositionEmbeddings:
		return nil, errors.Errorf("max model len %d exceeds the %d positions of %s",
			a.MaxModelLen, arch.MaxPositionEmbeddings, arch.Name)
	case a.BlockSize&(a.BlockSize-1) != 0:
		return nil, errors.Errorf("block size must be a power of two, got %d", a.BlockSize)
	case a.LoadLayers > arch.NumHiddenLayers:
		return nil, errors.Errorf("%d layers requested, %s has %d", a.LoadLayers, arch.Name, arch.NumHiddenLayers)
	case a.NumGPUBlocksOverride < 0:
		return nil, errors.Errorf("num gpu blocks override must be non-negative, got %d", a.NumGPUBlocksOverride)
	}

	return &EngineConfig{
		Model: arch,
		Dtype: dtype,
		Cache: CacheConfig{
			BlockSize:            a.BlockSize,
			GPUMemoryUtilization: a.GPUMemoryUtilization,
			NumGPUBlocksOverride: a.NumGPUBlocksOverride,
		},
		Scheduler: SchedulerConfig{
			MaxModelLen:         a.MaxModelLen,
			MaxNumSeqs:          a.MaxNumSeqs,
			MaxNumBatchedTokens: a.MaxNumBatchedTokens,
		},
		Seed:       a.Seed,
		LoadLayers: a.LoadLayers,
		Backend:    a.Backend,
	}, nil
}
