// Package model - Model architecture descriptions and the layer interfaces
// the benchmark drives.
package model

import (
	"context"

	"github.com/nvr-ai/layerbench/common"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Family is the architecture family of a model.
type Family string

const (
	// FamilyQwen3 is the Qwen3 dense decoder family.
	FamilyQwen3 Family = "qwen3"
)

// Name is the unique identifier of a model.
type Name string

const (
	// NameQwen3_0_6B is Qwen3 0.6B.
	NameQwen3_0_6B Name = "Qwen/Qwen3-0.6B"
	// NameQwen3_1_7B is Qwen3 1.7B.
	NameQwen3_1_7B Name = "Qwen/Qwen3-1.7B"
	// NameQwen3_4B is Qwen3 4B.
	NameQwen3_4B Name = "Qwen/Qwen3-4B"
	// NameQwen3_8B is Qwen3 8B.
	NameQwen3_8B Name = "Qwen/Qwen3-8B"
	// NameQwen3_14B is Qwen3 14B.
	NameQwen3_14B Name = "Qwen/Qwen3-14B"
	// NameQwen3Tiny is a small Qwen3-shaped model for tests and smoke runs.
	NameQwen3Tiny Name = "test/qwen3-tiny"
)

// Config holds the architecture hyperparameters of a decoder-only model.
type Config struct {
	Name                  Name    `json:"name"                  yaml:"name"`
	Family                Family  `json:"family"                yaml:"family"`
	HiddenSize            int     `json:"hiddenSize"            yaml:"hiddenSize"`
	IntermediateSize      int     `json:"intermediateSize"      yaml:"intermediateSize"`
	NumAttentionHeads     int     `json:"numAttentionHeads"     yaml:"numAttentionHeads"`
	NumKeyValueHeads      int     `json:"numKeyValueHeads"      yaml:"numKeyValueHeads"`
	HeadDim               int     `json:"headDim"               yaml:"headDim"`
	NumHiddenLayers       int     `json:"numHiddenLayers"       yaml:"numHiddenLayers"`
	MaxPositionEmbeddings int     `json:"maxPositionEmbeddings" yaml:"maxPositionEmbeddings"`
	VocabSize             int     `json:"vocabSize"             yaml:"vocabSize"`
	RMSNormEps            float64 `json:"rmsNormEps"            yaml:"rmsNormEps"`
	RopeTheta             float64 `json:"ropeTheta"             yaml:"ropeTheta"`
}

// Validate checks that the hyperparameters describe a buildable model.
func (c Config) Validate() error {
	switch {
	case c.HiddenSize <= 0 || c.IntermediateSize <= 0 || c.HeadDim <= 0:
		return errors.Errorf("model %s: sizes must be positive", c.Name)
	case c.NumAttentionHeads <= 0 || c.NumKeyValueHeads <= 0:
		return errors.Errorf("model %s: head counts must be positive", c.Name)
	case c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return errors.Errorf("model %s: %d attention heads not divisible by %d kv heads",
			c.Name, c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.HeadDim%2 != 0:
		return errors.Errorf("model %s: rotary embedding needs an even head dim, got %d", c.Name, c.HeadDim)
	case c.NumHiddenLayers <= 0 || c.MaxPositionEmbeddings <= 0:
		return errors.Errorf("model %s: layer count and max positions must be positive", c.Name)
	}
	return nil
}

// AttentionParams is the parameter count of one attention block.
func (c Config) AttentionParams() int64 {
	h, d := int64(c.HiddenSize), int64(c.HeadDim)
	q, kv := int64(c.NumAttentionHeads)*d, int64(c.NumKeyValueHeads)*d
	return h*(q+2*kv) + q*h + 2*d
}

// MLPParams is the parameter count of one feed-forward block.
func (c Config) MLPParams() int64 {
	return 3 * int64(c.HiddenSize) * int64(c.IntermediateSize)
}

// LayerParams is the parameter count of one decoder layer.
func (c Config) LayerParams() int64 {
	return c.AttentionParams() + c.MLPParams() + 2*int64(c.HiddenSize)
}

// NewModelArgs is the arguments for creating a new model.
type NewModelArgs struct {
	// Device receives every kernel the model launches.
	Device device.Device `json:"-" yaml:"-"`
	// NumLayers is the number of decoder layers to materialise (default 1).
	NumLayers int `json:"numLayers" yaml:"numLayers"`
	// Dtype is the storage precision used for memory accounting.
	Dtype common.Precision `json:"dtype" yaml:"dtype"`
	// Seed makes the random weights reproducible.
	Seed int64 `json:"seed" yaml:"seed"`
	// Backend is the attention backend name (default "paged").
	Backend string `json:"backend" yaml:"backend"`
	// BlockSize is the KV-cache block size.
	BlockSize int `json:"blockSize" yaml:"blockSize"`
}

// Module is a named block of a model.
type Module interface {
	Name() string
	NumParams() int64
}

// Attention is a self-attention block over a paged KV cache.
type Attention interface {
	Module
	// LayerName keys the layer's metadata in the forward context.
	LayerName() string
	Backend() attention.Backend
	KVCacheSpec() attention.FullAttentionSpec
	BindKVCache(cache *attention.PagedKVCache)
	Forward(ctx context.Context, positions []int64, hidden *tensor.Dense) (*tensor.Dense, error)
}

// FeedForward is a position-wise feed-forward block.
type FeedForward interface {
	Module
	Forward(ctx context.Context, hidden *tensor.Dense) (*tensor.Dense, error)
}

// DecoderLayer is one transformer block.
type DecoderLayer interface {
	SelfAttention() Attention
	FeedForward() FeedForward
	// Forward runs the full block. A nil residual starts a new residual stream.
	Forward(ctx context.Context, positions []int64, hidden, residual *tensor.Dense) (*tensor.Dense, *tensor.Dense, error)
}

// CausalLM is a decoder-only language model.
type CausalLM interface {
	Config() Config
	DecoderLayers() []DecoderLayer
	NumParams() int64
}
