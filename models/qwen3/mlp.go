package qwen3

import (
	"context"
	"math/rand"
	"sync"

	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// MLP is the SiLU-gated feed-forward block: down(silu(x*gate) * (x*up)).
type MLP struct {
	cfg  model.Config
	dev  device.Device
	name string

	gateProj *tensor.Dense
	upProj   *tensor.Dense
	downProj *tensor.Dense

	mu     sync.Mutex
	graphs map[int]*mlpGraph
}

var _ model.FeedForward = (*MLP)(nil)

// mlpGraph is the expression graph compiled for one batch size. Its tape
// machine is only ever driven from the device stream.
type mlpGraph struct {
	g   *G.ExprGraph
	x   *G.Node
	out *G.Node
	vm  G.VM
}

func newMLP(cfg model.Config, dev device.Device, name string, rng *rand.Rand) *MLP {
	return &MLP{
		cfg:      cfg,
		dev:      dev,
		name:     name,
		gateProj: randomMatrix(rng, cfg.HiddenSize, cfg.IntermediateSize, initStd),
		upProj:   randomMatrix(rng, cfg.HiddenSize, cfg.IntermediateSize, initStd),
		downProj: randomMatrix(rng, cfg.IntermediateSize, cfg.HiddenSize, initStd),
		graphs:   make(map[int]*mlpGraph),
	}
}

// Name implements model.Module.
func (m *MLP) Name() string { return m.name }

// NumParams implements model.Module.
func (m *MLP) NumParams() int64 { return m.cfg.MLPParams() }

// Forward enqueues the block for a [tokens, hidden] input and returns the
// output tensor, which is valid once the device has reached the kernel.
func (m *MLP) Forward(_ context.Context, hidden *tensor.Dense) (*tensor.Dense, error) {
	shape := hidden.Shape()
	if len(shape) != 2 || shape[1] != m.cfg.HiddenSize || shape[0] <= 0 {
		return nil, errors.Errorf("%s: hidden shape %v, want (n, %d)", m.name, shape, m.cfg.HiddenSize)
	}
	tokens := shape[0]
	graph, err := m.graph(tokens)
	if err != nil {
		return nil, err
	}

	out := zeros(tokens, m.cfg.HiddenSize)
	if err := m.dev.Launch(m.name, func() error {
		return graph.run(hidden, out)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the compiled graphs.
func (m *MLP) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, g := range m.graphs {
		g.vm.Close()
		delete(m.graphs, n)
	}
}

func (m *MLP) graph(tokens int) (*mlpGraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.graphs[tokens]; ok {
		return g, nil
	}
	g, err := m.compile(tokens)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: compile for %d tokens", m.name, tokens)
	}
	m.graphs[tokens] = g
	return g, nil
}

func (m *MLP) compile(tokens int) (*mlpGraph, error) {
	h, i := m.cfg.HiddenSize, m.cfg.IntermediateSize
	g := G.NewGraph()

	x := G.NewMatrix(g, tensor.Float32, G.WithShape(tokens, h), G.WithName("x"))
	gate := G.NewMatrix(g, tensor.Float32, G.WithShape(h, i), G.WithName("gate_proj"), G.WithValue(m.gateProj))
	up := G.NewMatrix(g, tensor.Float32, G.WithShape(h, i), G.WithName("up_proj"), G.WithValue(m.upProj))
	down := G.NewMatrix(g, tensor.Float32, G.WithShape(i, h), G.WithName("down_proj"), G.WithValue(m.downProj))

	gx, err := G.Mul(x, gate)
	if err != nil {
		return nil, err
	}
	ux, err := G.Mul(x, up)
	if err != nil {
		return nil, err
	}
	sig, err := G.Sigmoid(gx)
	if err != nil {
		return nil, err
	}
	act, err := G.HadamardProd(gx, sig)
	if err != nil {
		return nil, err
	}
	gated, err := G.HadamardProd(act, ux)
	if err != nil {
		return nil, err
	}
	out, err := G.Mul(gated, down)
	if err != nil {
		return nil, err
	}

	return &mlpGraph{g: g, x: x, out: out, vm: G.NewTapeMachine(g)}, nil
}

func (mg *mlpGraph) run(hidden, out *tensor.Dense) error {
	defer mg.vm.Reset()

	if err := G.Let(mg.x, hidden); err != nil {
		return errors.Wrap(err, "bind input")
	}
	if err := mg.vm.RunAll(); err != nil {
		return errors.Wrap(err, "run tape")
	}
	val := mg.out.Value()
	if val == nil {
		return errors.New("graph produced no output")
	}
	res, ok := val.Data().([]float32)
	if !ok {
		return errors.Errorf("unexpected output type %T", val.Data())
	}
	copy(float32s(out), res)
	return nil
}
