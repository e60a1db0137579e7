// Package models - registry for models.
package models

import (
	"sort"
	"sync"

	"github.com/nvr-ai/layerbench/models/model"
	"github.com/nvr-ai/layerbench/models/qwen3"
	"github.com/pkg/errors"
)

// ErrUnknownModel is returned by Lookup for an unregistered model name.
var ErrUnknownModel = errors.New("unknown model")

var (
	registryMu sync.RWMutex
	registry   = map[model.Name]model.Config{}
)

func init() {
	qwen3Config := func(name model.Name, hidden, inter, heads, layers int) model.Config {
		return model.Config{
			Name:                  name,
			Family:                model.FamilyQwen3,
			HiddenSize:            hidden,
			IntermediateSize:      inter,
			NumAttentionHeads:     heads,
			NumKeyValueHeads:      8,
			HeadDim:               128,
			NumHiddenLayers:       layers,
			MaxPositionEmbeddings: 40960,
			VocabSize:             151936,
			RMSNormEps:            1e-6,
			RopeTheta:             1000000,
		}
	}
	Register(qwen3Config(model.NameQwen3_0_6B, 1024, 3072, 16, 28))
	Register(qwen3Config(model.NameQwen3_1_7B, 2048, 6144, 16, 28))
	Register(qwen3Config(model.NameQwen3_4B, 2560, 9728, 32, 36))
	Register(qwen3Config(model.NameQwen3_8B, 4096, 12288, 32, 36))
	Register(qwen3Config(model.NameQwen3_14B, 5120, 17408, 40, 40))
	Register(model.Config{
		Name:                  model.NameQwen3Tiny,
		Family:                model.FamilyQwen3,
		HiddenSize:            64,
		IntermediateSize:      128,
		NumAttentionHeads:     4,
		NumKeyValueHeads:      2,
		HeadDim:               16,
		NumHiddenLayers:       2,
		MaxPositionEmbeddings: 4096,
		VocabSize:             1024,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
	})
}

// Register adds or replaces a model architecture.
func Register(cfg model.Config) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[cfg.Name] = cfg
}

// Lookup returns the architecture registered under name.
//
// Arguments:
//   - name: A model name such as "Qwen/Qwen3-8B".
//
// Returns:
//   - model.Config: The architecture.
//   - error: ErrUnknownModel if name is not registered.
func Lookup(name string) (model.Config, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cfg, ok := registry[model.Name(name)]
	if !ok {
		return model.Config{}, errors.Wrapf(ErrUnknownModel, "%q (known: %v)", name, namesLocked())
	}
	return cfg, nil
}

// Names lists the registered model names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// NewCausalLM creates a model instance for the architecture's family.
//
// Arguments:
//   - cfg: The architecture, usually from Lookup.
//   - args: The device, layer count, dtype, seed, backend and block size.
//
// Returns:
//   - model.CausalLM: The model.
//   - error: An unsupported family or a construction failure.
func NewCausalLM(cfg model.Config, args model.NewModelArgs) (model.CausalLM, error) {
	switch cfg.Family {
	case model.FamilyQwen3:
		m, err := qwen3.New(cfg, args)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.Errorf("unsupported model family: %s", cfg.Family)
	}
}
