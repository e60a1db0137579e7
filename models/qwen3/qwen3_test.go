package qwen3

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/common"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/nvr-ai/layerbench/inference/forward"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func tinyConfig() model.Config {
	return model.Config{
		Name:                  model.NameQwen3Tiny,
		Family:                model.FamilyQwen3,
		HiddenSize:            32,
		IntermediateSize:      48,
		NumAttentionHeads:     4,
		NumKeyValueHeads:      2,
		HeadDim:               8,
		NumHiddenLayers:       2,
		MaxPositionEmbeddings: 256,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
	}
}

type fixture struct {
	dev   *device.Host
	model *ForCausalLM
	ctx   context.Context
}

// newFixture builds a one-layer model with a bound cache and a forward
// context describing numReqs decode requests of seqLen tokens.
func newFixture(t *testing.T, numReqs, seqLen int, seed int64) *fixture {
	t.Helper()
	dev := device.NewHost(device.WithLogger(log.New(&bytes.Buffer{})), device.WithMemoryLimit(1<<30))
	t.Cleanup(func() { _ = dev.Close() })

	m, err := New(tinyConfig(), model.NewModelArgs{Device: dev, Seed: seed, BlockSize: 4, Dtype: common.PrecisionFP16})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	attn := m.DecoderLayers()[0].SelfAttention()
	spec := attn.KVCacheSpec()
	batch := attention.NewUniformDecode(numReqs, seqLen, spec.BlockSize)
	attn.BindKVCache(attention.NewPagedKVCache(spec, batch.NumBlocksUsed(), seed))

	md, err := attn.Backend().NewBuilder(spec, []string{attn.LayerName()}, attention.BuilderConfig{}).Build(0, batch, false)
	require.NoError(t, err)
	ctx, release := forward.Set(context.Background(), &forward.Context{
		AttnMetadata: map[string]*attention.Metadata{attn.LayerName(): md},
		NumTokens:    numReqs,
	})
	t.Cleanup(release)

	return &fixture{dev: dev, model: m, ctx: ctx}
}

func randomHidden(rows, cols int, seed int64) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32),
		tensor.WithBacking(float32s(randomMatrix(rand.New(rand.NewSource(seed)), rows, cols, 1))))
}

func positions(n int, pos int64) []int64 {
	p := make([]int64, n)
	for i := range p {
		p[i] = pos
	}
	return p
}

func assertFinite(t *testing.T, values []float32) {
	t.Helper()
	for i, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("value %d is not finite: %v", i, v)
		}
	}
}

func TestNew(t *testing.T) {
	dev := device.NewHost(device.WithLogger(log.New(&bytes.Buffer{})))
	t.Cleanup(func() { _ = dev.Close() })

	m, err := New(tinyConfig(), model.NewModelArgs{Device: dev, NumLayers: 2})
	require.NoError(t, err)
	layers := m.DecoderLayers()
	require.Len(t, layers, 2)
	assert.Equal(t, "model.layers.1.self_attn.attn", layers[1].SelfAttention().LayerName())
	assert.Equal(t, "model.layers.1.mlp", layers[1].FeedForward().Name())
	assert.Equal(t, attention.BackendPaged, layers[0].SelfAttention().Backend().Name())
	assert.Equal(t, DefaultBlockSize, layers[0].SelfAttention().KVCacheSpec().BlockSize)
	assert.Equal(t, 2*tinyConfig().LayerParams(), m.NumParams())

	_, err = New(tinyConfig(), model.NewModelArgs{Device: dev, NumLayers: 3})
	assert.Error(t, err)
	_, err = New(tinyConfig(), model.NewModelArgs{})
	assert.Error(t, err)
	_, err = New(tinyConfig(), model.NewModelArgs{Device: dev, Backend: "flash"})
	assert.ErrorIs(t, err, attention.ErrUnknownBackend)

	bad := tinyConfig()
	bad.NumKeyValueHeads = 3
	_, err = New(bad, model.NewModelArgs{Device: dev})
	assert.Error(t, err)
}

func TestAttentionForward(t *testing.T) {
	f := newFixture(t, 3, 10, 1)
	attn := f.model.DecoderLayers()[0].SelfAttention()

	out, err := attn.Forward(f.ctx, positions(3, 10), randomHidden(3, 32, 5))
	require.NoError(t, err)
	require.NoError(t, f.dev.Synchronize())

	assert.Equal(t, tensor.Shape{3, 32}, out.Shape())
	assertFinite(t, float32s(out))
	assert.NotEqual(t, make([]float32, 3*32), float32s(out))
}

func TestAttentionIsDeterministic(t *testing.T) {
	run := func() []float32 {
		f := newFixture(t, 2, 7, 3)
		out, err := f.model.DecoderLayers()[0].SelfAttention().Forward(f.ctx, positions(2, 7), randomHidden(2, 32, 9))
		require.NoError(t, err)
		require.NoError(t, f.dev.Synchronize())
		return float32s(out)
	}
	assert.Equal(t, run(), run())
}

func TestAttentionRequiresContextAndCache(t *testing.T) {
	f := newFixture(t, 1, 4, 1)
	attn := f.model.DecoderLayers()[0].SelfAttention()

	_, err := attn.Forward(context.Background(), positions(1, 4), randomHidden(1, 32, 1))
	assert.ErrorIs(t, err, forward.ErrNoForwardContext)

	_, err = attn.Forward(f.ctx, positions(2, 4), randomHidden(1, 32, 1))
	assert.Error(t, err)
	_, err = attn.Forward(f.ctx, positions(1, 4), randomHidden(2, 32, 1))
	assert.Error(t, err)

	attn.BindKVCache(nil)
	_, err = attn.Forward(f.ctx, positions(1, 4), randomHidden(1, 32, 1))
	assert.ErrorIs(t, err, ErrKVCacheNotBound)
}

func TestAttentionKernelFailureSurfacesAtBarrier(t *testing.T) {
	f := newFixture(t, 2, 8, 1)
	attn := f.model.DecoderLayers()[0].SelfAttention()
	// A cache too small for the block table fails inside the kernel.
	attn.BindKVCache(attention.NewPagedKVCache(attn.KVCacheSpec(), 1, 1))

	_, err := attn.Forward(f.ctx, positions(2, 8), randomHidden(2, 32, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, f.dev.Synchronize(), attention.ErrSlotOutOfRange)
}

func TestMLPMatchesReference(t *testing.T) {
	f := newFixture(t, 1, 1, 2)
	mlp := f.model.layers[0].mlp
	in := randomHidden(2, 32, 4)

	out, err := mlp.Forward(f.ctx, in)
	require.NoError(t, err)
	require.NoError(t, f.dev.Synchronize())

	x := float32s(in)
	gate, up, down := float32s(mlp.gateProj), float32s(mlp.upProj), float32s(mlp.downProj)
	h, inter := 32, 48
	want := make([]float64, 2*h)
	for r := 0; r < 2; r++ {
		act := make([]float64, inter)
		for j := 0; j < inter; j++ {
			var g, u float64
			for k := 0; k < h; k++ {
				g += float64(x[r*h+k]) * float64(gate[k*inter+j])
				u += float64(x[r*h+k]) * float64(up[k*inter+j])
			}
			act[j] = g / (1 + math.Exp(-g)) * u
		}
		for c := 0; c < h; c++ {
			for j := 0; j < inter; j++ {
				want[r*h+c] += act[j] * float64(down[j*h+c])
			}
		}
	}
	got := float32s(out)
	for i := range want {
		assert.InDelta(t, want[i], float64(got[i]), 1e-5, "element %d", i)
	}

	// A second call reuses the compiled graph.
	again, err := mlp.Forward(f.ctx, in)
	require.NoError(t, err)
	require.NoError(t, f.dev.Synchronize())
	assert.Equal(t, got, float32s(again))
	assert.Len(t, mlp.graphs, 1)

	_, err = mlp.Forward(f.ctx, randomHidden(2, 16, 1))
	assert.Error(t, err)
}

func TestDecoderLayerForward(t *testing.T) {
	f := newFixture(t, 2, 6, 1)
	layer := f.model.DecoderLayers()[0]

	hidden, residual, err := layer.Forward(f.ctx, positions(2, 6), randomHidden(2, 32, 7), nil)
	require.NoError(t, err)
	hidden, residual, err = layer.Forward(f.ctx, positions(2, 6), hidden, residual)
	require.NoError(t, err)
	require.NoError(t, f.dev.Synchronize())

	assert.Equal(t, tensor.Shape{2, 32}, hidden.Shape())
	assert.Equal(t, tensor.Shape{2, 32}, residual.Shape())
	assertFinite(t, float32s(hidden))
	assertFinite(t, float32s(residual))
}

func TestRotaryAndNorm(t *testing.T) {
	r := newRotary(4, 10000)
	head := []float32{1, 2, 3, 4}
	r.apply(head, 0)
	assert.Equal(t, []float32{1, 2, 3, 4}, head)

	r.apply(head, 17)
	var before, after float64
	for i, v := range []float32{1, 2, 3, 4} {
		before += float64(v * v)
		after += float64(head[i] * head[i])
	}
	assert.InDelta(t, before, after, 1e-4)

	out := make([]float32, 2)
	rmsNorm(out, []float32{3, 4}, []float32{1, 2}, 0)
	rms := math.Sqrt(12.5)
	assert.InDelta(t, 3/rms, float64(out[0]), 1e-6)
	assert.InDelta(t, 8/rms, float64(out[1]), 1e-6)

	scores := []float32{1, 2, 3}
	softmax(scores)
	assert.InDelta(t, 1, float64(scores[0]+scores[1]+scores[2]), 1e-6)
	assert.Greater(t, scores[2], scores[1])
}
