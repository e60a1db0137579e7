// Package qwen3 - Qwen3 dense decoder layers evaluated on a host device.
package qwen3

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/nvr-ai/layerbench/common"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultBlockSize is the KV-cache block size used when none is configured.
const DefaultBlockSize = 16

// DecoderLayer is one Qwen3 transformer block.
type DecoderLayer struct {
	index                  int
	cfg                    model.Config
	dev                    device.Device
	attn                   *Attention
	mlp                    *MLP
	inputLayernorm         []float32
	postAttentionLayernorm []float32
}

var _ model.DecoderLayer = (*DecoderLayer)(nil)

// SelfAttention implements model.DecoderLayer.
func (l *DecoderLayer) SelfAttention() model.Attention { return l.attn }

// FeedForward implements model.DecoderLayer.
func (l *DecoderLayer) FeedForward() model.FeedForward { return l.mlp }

// Forward runs norm, attention, fused residual-add norm and the MLP.
func (l *DecoderLayer) Forward(ctx context.Context, positions []int64, hidden, residual *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	normed, residual, err := l.addNorm(fmt.Sprintf("model.layers.%d.input_layernorm", l.index), l.inputLayernorm, hidden, residual)
	if err != nil {
		return nil, nil, err
	}
	hidden, err = l.attn.Forward(ctx, positions, normed)
	if err != nil {
		return nil, nil, err
	}
	normed, residual, err = l.addNorm(fmt.Sprintf("model.layers.%d.post_attention_layernorm", l.index), l.postAttentionLayernorm, hidden, residual)
	if err != nil {
		return nil, nil, err
	}
	hidden, err = l.mlp.Forward(ctx, normed)
	if err != nil {
		return nil, nil, err
	}
	return hidden, residual, nil
}

// addNorm enqueues residual += hidden (or residual = hidden when residual is
// nil) followed by an RMS norm of the new residual.
func (l *DecoderLayer) addNorm(name string, weight []float32, hidden, residual *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	shape := hidden.Shape()
	if len(shape) != 2 || shape[1] != l.cfg.HiddenSize {
		return nil, nil, errors.Errorf("%s: hidden shape %v", name, shape)
	}
	rows, cols := shape[0], shape[1]
	normed, nextResidual := zeros(rows, cols), zeros(rows, cols)
	eps := float32(l.cfg.RMSNormEps)

	err := l.dev.Launch(name, func() error {
		h, r := float32s(hidden), float32s(nextResidual)
		copy(r, h)
		if residual != nil {
			for i, v := range float32s(residual) {
				r[i] += v
			}
		}
		n := float32s(normed)
		for row := 0; row < rows; row++ {
			rmsNorm(n[row*cols:(row+1)*cols], r[row*cols:(row+1)*cols], weight, eps)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return normed, nextResidual, nil
}

// ForCausalLM holds the materialised decoder layers of a Qwen3 model.
type ForCausalLM struct {
	cfg    model.Config
	layers []*DecoderLayer
}

var _ model.CausalLM = (*ForCausalLM)(nil)

// New builds a Qwen3 model with deterministic random weights.
//
// Arguments:
//   - cfg: The architecture.
//   - opts: The device, layer count, dtype, seed, backend and block size.
//
// Returns:
//   - *ForCausalLM: The model.
//   - error: An invalid config, missing device or unknown backend.
func New(cfg model.Config, opts model.NewModelArgs) (*ForCausalLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Device == nil {
		return nil, errors.New("qwen3: a device is required")
	}
	numLayers := opts.NumLayers
	if numLayers <= 0 {
		numLayers = 1
	}
	if numLayers > cfg.NumHiddenLayers {
		return nil, errors.Errorf("qwen3: %d layers requested, model has %d", numLayers, cfg.NumHiddenLayers)
	}
	backendName := opts.Backend
	if backendName == "" {
		backendName = attention.BackendPaged
	}
	backend, err := attention.LookupBackend(backendName)
	if err != nil {
		return nil, err
	}
	dtype := opts.Dtype
	if dtype == "" {
		dtype = common.PrecisionFP32
	}
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	spec := attention.FullAttentionSpec{
		BlockSize:  blockSize,
		NumKVHeads: cfg.NumKeyValueHeads,
		HeadSize:   cfg.HeadDim,
		Dtype:      dtype,
	}

	m := &ForCausalLM{cfg: cfg, layers: make([]*DecoderLayer, numLayers)}
	for i := range m.layers {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		m.layers[i] = &DecoderLayer{
			index:                  i,
			cfg:                    cfg,
			dev:                    opts.Device,
			attn:                   newAttention(cfg, opts.Device, LayerName(i), backend, spec, rng),
			mlp:                    newMLP(cfg, opts.Device, fmt.Sprintf("model.layers.%d.mlp", i), rng),
			inputLayernorm:         ones(cfg.HiddenSize),
			postAttentionLayernorm: ones(cfg.HiddenSize),
		}
	}
	return m, nil
}

// LayerName returns the attention layer name of decoder layer i.
func LayerName(i int) string {
	return fmt.Sprintf("model.layers.%d.self_attn.attn", i)
}

// Config implements model.CausalLM.
func (m *ForCausalLM) Config() model.Config { return m.cfg }

// DecoderLayers implements model.CausalLM.
func (m *ForCausalLM) DecoderLayers() []model.DecoderLayer {
	out := make([]model.DecoderLayer, len(m.layers))
	for i, l := range m.layers {
		out[i] = l
	}
	return out
}

// NumParams counts the parameters of the materialised layers.
func (m *ForCausalLM) NumParams() int64 {
	return int64(len(m.layers)) * m.cfg.LayerParams()
}

// Close releases compiled graphs.
func (m *ForCausalLM) Close() {
	for _, l := range m.layers {
		l.mlp.Close()
	}
}
