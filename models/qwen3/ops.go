package qwen3

import (
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

const initStd = 0.02

// randomMatrix returns a rows x cols matrix with N(0, std^2) entries.
func randomMatrix(rng *rand.Rand, rows, cols int, std float64) *tensor.Dense {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32), tensor.WithBacking(data))
}

func ones(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func zeros(rows, cols int) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32))
}

func float32s(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// rmsNorm writes x / rms(x) * weight into dst. dst may alias x.
func rmsNorm(dst, x, weight []float32, eps float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	scale := 1 / math32.Sqrt(sum/float32(len(x))+eps)
	for i, v := range x {
		dst[i] = v * scale * weight[i]
	}
}

// rotary applies neox-style rotary position embeddings, rotating the first
// half of a head against the second half.
type rotary struct {
	invFreq []float32
}

func newRotary(headDim int, theta float64) *rotary {
	half := headDim / 2
	inv := make([]float32, half)
	for i := range inv {
		inv[i] = float32(1 / math.Pow(theta, float64(2*i)/float64(headDim)))
	}
	return &rotary{invFreq: inv}
}

func (r *rotary) apply(head []float32, pos int64) {
	half := len(r.invFreq)
	for i, f := range r.invFreq {
		sin, cos := math32.Sincos(float32(pos) * f)
		x1, x2 := head[i], head[i+half]
		head[i] = x1*cos - x2*sin
		head[i+half] = x2*cos + x1*sin
	}
}

// softmax normalises scores in place.
func softmax(scores []float32) {
	if len(scores) == 0 {
		return
	}
	peak := scores[0]
	for _, s := range scores[1:] {
		peak = math32.Max(peak, s)
	}
	var sum float32
	for i, s := range scores {
		scores[i] = math32.Exp(s - peak)
		sum += scores[i]
	}
	for i := range scores {
		scores[i] /= sum
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
