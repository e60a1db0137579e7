package qwen3

import (
	"context"
	"math"
	"math/rand"

	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/nvr-ai/layerbench/inference/forward"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrKVCacheNotBound is returned when attention runs before a cache is bound.
var ErrKVCacheNotBound = errors.New("kv cache is not bound")

// Attention is Qwen3 grouped-query self-attention with per-head q/k norms.
type Attention struct {
	cfg       model.Config
	dev       device.Device
	layerName string
	backend   attention.Backend
	spec      attention.FullAttentionSpec

	// qkvProj is [hidden, (heads+2*kvHeads)*headDim]; oProj is [heads*headDim, hidden].
	qkvProj *tensor.Dense
	oProj   *tensor.Dense
	qNorm   []float32
	kNorm   []float32
	rope    *rotary
	scale   float32
	eps     float32

	cache *attention.PagedKVCache
}

var _ model.Attention = (*Attention)(nil)

func newAttention(cfg model.Config, dev device.Device, layerName string, backend attention.Backend,
	spec attention.FullAttentionSpec, rng *rand.Rand,
) *Attention {
	q := cfg.NumAttentionHeads * cfg.HeadDim
	kv := cfg.NumKeyValueHeads * cfg.HeadDim
	return &Attention{
		cfg:       cfg,
		dev:       dev,
		layerName: layerName,
		backend:   backend,
		spec:      spec,
		qkvProj:   randomMatrix(rng, cfg.HiddenSize, q+2*kv, initStd),
		oProj:     randomMatrix(rng, q, cfg.HiddenSize, initStd),
		qNorm:     ones(cfg.HeadDim),
		kNorm:     ones(cfg.HeadDim),
		rope:      newRotary(cfg.HeadDim, cfg.RopeTheta),
		scale:     float32(1 / math.Sqrt(float64(cfg.HeadDim))),
		eps:       float32(cfg.RMSNormEps),
	}
}

// Name implements model.Module.
func (a *Attention) Name() string { return a.layerName }

// NumParams implements model.Module.
func (a *Attention) NumParams() int64 { return a.cfg.AttentionParams() }

// LayerName implements model.Attention.
func (a *Attention) LayerName() string { return a.layerName }

// Backend implements model.Attention.
func (a *Attention) Backend() attention.Backend { return a.backend }

// KVCacheSpec implements model.Attention.
func (a *Attention) KVCacheSpec() attention.FullAttentionSpec { return a.spec }

// BindKVCache implements model.Attention.
func (a *Attention) BindKVCache(cache *attention.PagedKVCache) { a.cache = cache }

// Forward enqueues one decode attention step for the batch described by the
// forward context and returns the output tensor, which is valid once the
// device has reached the kernel.
//
// Arguments:
//   - ctx: Must carry a forward context with metadata for this layer.
//   - positions: The rotary position of each token.
//   - hidden: The [tokens, hidden] input.
//
// Returns:
//   - *tensor.Dense: The [tokens, hidden] output.
//   - error: Validation or launch failure. Kernel failures surface at the next
//     device barrier.
func (a *Attention) Forward(ctx context.Context, positions []int64, hidden *tensor.Dense) (*tensor.Dense, error) {
	fc, err := forward.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	md, err := fc.Metadata(a.layerName)
	if err != nil {
		return nil, err
	}
	if a.cache == nil {
		return nil, errors.Wrap(ErrKVCacheNotBound, a.layerName)
	}
	shape := hidden.Shape()
	if len(shape) != 2 || shape[1] != a.cfg.HiddenSize || shape[0] != md.NumActualTokens {
		return nil, errors.Errorf("%s: hidden shape %v, want (%d, %d)", a.layerName, shape, md.NumActualTokens, a.cfg.HiddenSize)
	}
	if len(positions) != md.NumActualTokens {
		return nil, errors.Errorf("%s: %d positions for %d tokens", a.layerName, len(positions), md.NumActualTokens)
	}

	out := zeros(md.NumActualTokens, a.cfg.HiddenSize)
	if err := a.dev.Launch(a.layerName, func() error {
		return a.compute(md, positions, hidden, out)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Attention) compute(md *attention.Metadata, positions []int64, hidden, out *tensor.Dense) error {
	heads, kvHeads, hd := a.cfg.NumAttentionHeads, a.cfg.NumKeyValueHeads, a.cfg.HeadDim
	qw, kvw := heads*hd, kvHeads*hd
	width := qw + 2*kvw
	tokens := md.NumActualTokens

	qkv, err := hidden.MatMul(a.qkvProj)
	if err != nil {
		return errors.Wrap(err, "qkv projection")
	}
	data := float32s(qkv)

	for t := 0; t < tokens; t++ {
		row := data[t*width : (t+1)*width]
		q, k, v := row[:qw], row[qw:qw+kvw], row[qw+kvw:]
		for h := 0; h < heads; h++ {
			head := q[h*hd : (h+1)*hd]
			rmsNorm(head, head, a.qNorm, a.eps)
			a.rope.apply(head, positions[t])
		}
		for h := 0; h < kvHeads; h++ {
			head := k[h*hd : (h+1)*hd]
			rmsNorm(head, head, a.kNorm, a.eps)
			a.rope.apply(head, positions[t])
		}
		if err := a.cache.Write(md.SlotMapping[t], k, v); err != nil {
			return errors.Wrapf(err, "token %d", t)
		}
	}

	ctxOut := make([]float32, tokens*qw)
	group := heads / kvHeads
	blockSize := a.spec.BlockSize
	scores := make([]float32, 0, md.MaxSeqLen)
	for r := 0; r < md.NumReqs; r++ {
		first, last := int(md.QueryStartLoc[r]), int(md.QueryStartLoc[r+1])
		table := md.BlockTable[r]
		for t := first; t < last; t++ {
			n := int(md.SeqLens[r])
			if md.Causal {
				n = md.Position(r, t-first) + 1
			}
			if (n+blockSize-1)/blockSize > len(table) {
				return errors.Errorf("request %d: %d tokens exceed %d blocks", r, n, len(table))
			}
			q := data[t*width : t*width+qw]
			for h := 0; h < heads; h++ {
				qh := q[h*hd : (h+1)*hd]
				kvh := h / group
				if cap(scores) < n {
					scores = make([]float32, 0, n)
				}
				scores = scores[:n]
				for j := 0; j < n; j++ {
					key, _, err := a.cache.Token(int(table[j/blockSize]), j%blockSize, kvh)
					if err != nil {
						return err
					}
					scores[j] = dot(qh, key) * a.scale
				}
				softmax(scores)
				dst := ctxOut[t*qw+h*hd : t*qw+(h+1)*hd]
				for j, p := range scores {
					_, val, err := a.cache.Token(int(table[j/blockSize]), j%blockSize, kvh)
					if err != nil {
						return err
					}
					for d := range dst {
						dst[d] += p * val[d]
					}
				}
			}
		}
	}

	ctxT := tensor.New(tensor.WithShape(tokens, qw), tensor.Of(tensor.Float32), tensor.WithBacking(ctxOut))
	proj, err := ctxT.MatMul(a.oProj)
	if err != nil {
		return errors.Wrap(err, "output projection")
	}
	copy(float32s(out), float32s(proj))
	return nil
}
