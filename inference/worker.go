package inference

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/nvr-ai/layerbench/models"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/pkg/errors"
)

var (
	// ErrDeviceNotInitialized is returned when a worker method needs InitDevice first.
	ErrDeviceNotInitialized = errors.New("worker device is not initialized")
	// ErrModelNotLoaded is returned when a worker method needs LoadModel first.
	ErrModelNotLoaded = errors.New("worker model is not loaded")
	// ErrInsufficientKVCache is returned when the cache cannot hold one full-length sequence.
	ErrInsufficientKVCache = errors.New("insufficient memory for kv cache")
)

// rendezvousTimeout bounds process group initialisation.
const rendezvousTimeout = 30 * time.Second

// WorkerArgs identifies a worker within the distributed run.
type WorkerArgs struct {
	LocalRank             int
	Rank                  int
	DistributedInitMethod string
	IsDriverWorker        bool
	// WorldSize defaults to 1.
	WorldSize int
}

// WorkerOption customises a worker.
type WorkerOption func(*Worker)

// WithDeviceOptions passes options to the host device created by InitDevice.
func WithDeviceOptions(opts ...device.Option) WorkerOption {
	return func(w *Worker) { w.deviceOpts = append(w.deviceOpts, opts...) }
}

// WithDevice makes InitDevice use dev instead of creating a host device.
func WithDevice(dev device.Device) WorkerOption {
	return func(w *Worker) { w.dev = dev }
}

// Worker owns the device, the model and the KV caches of one rank.
type Worker struct {
	cfg        *EngineConfig
	args       WorkerArgs
	logger     *log.Logger
	deviceOpts []device.Option

	dev         device.Device
	group       *ProcessGroup
	model       model.CausalLM
	weightBytes uint64
	kvCaches    map[string]*attention.PagedKVCache
	kvBytes     uint64
}

// NewWorker creates a worker. Nothing is allocated until InitDevice.
func NewWorker(cfg *EngineConfig, args WorkerArgs, logger *log.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	if args.WorldSize <= 0 {
		args.WorldSize = 1
	}
	if args.DistributedInitMethod == "" {
		args.DistributedInitMethod = DefaultDistributedInitMethod
	}
	w := &Worker{cfg: cfg, args: args, logger: logger.WithPrefix("worker")}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Config returns the engine configuration.
func (w *Worker) Config() *EngineConfig { return w.cfg }

// Device returns the worker's device, nil before InitDevice.
func (w *Worker) Device() device.Device { return w.dev }

// InitDevice creates the device and joins the process group.
func (w *Worker) InitDevice() error {
	if w.dev == nil {
		opts := append([]device.Option{device.WithID(w.args.LocalRank), device.WithLogger(w.logger)}, w.deviceOpts...)
		w.dev = device.NewHost(opts...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), rendezvousTimeout)
	defer cancel()
	group, err := InitProcessGroup(ctx, w.args.DistributedInitMethod, w.args.Rank, w.args.WorldSize)
	if err != nil {
		return errors.Wrap(err, "init process group")
	}
	w.group = group

	free, total := w.dev.MemoryInfo()
	w.logger.Info("device initialised", "device", w.dev.Name(), "rank", w.args.Rank,
		"rendezvous", group.Addr(), "free", free, "total", total)
	return nil
}

// LoadModel builds the model and reserves its weights on the device.
func (w *Worker) LoadModel() error {
	if w.dev == nil {
		return ErrDeviceNotInitialized
	}
	lm, err := models.NewCausalLM(w.cfg.Model, model.NewModelArgs{
		Device:    w.dev,
		NumLayers: w.cfg.LoadLayers,
		Dtype:     w.cfg.Dtype,
		Seed:      w.cfg.Seed,
		Backend:   w.cfg.Backend,
		BlockSize: w.cfg.Cache.BlockSize,
	})
	if err != nil {
		return errors.Wrapf(err, "load %s", w.cfg.Model.Name)
	}
	bytes := uint64(lm.NumParams()) * uint64(w.cfg.Dtype.ElementSize())
	if err := w.dev.Reserve(bytes); err != nil {
		return errors.Wrap(err, "reserve weights")
	}
	w.model, w.weightBytes = lm, bytes
	w.logger.Info("model loaded", "model", w.cfg.Model.Name, "layers", len(lm.DecoderLayers()),
		"params", lm.NumParams(), "weight_bytes", bytes)
	return nil
}

// GetModel returns the loaded model, nil before LoadModel.
func (w *Worker) GetModel() model.CausalLM { return w.model }

// activationBytes estimates the peak activation footprint of one forward
// pass over the largest schedulable batch, computed in float32.
func (w *Worker) activationBytes() uint64 {
	m := w.cfg.Model
	tokens := uint64(w.cfg.Scheduler.MaxNumBatchedTokens)
	qkv := uint64((m.NumAttentionHeads + 2*m.NumKeyValueHeads) * m.HeadDim)
	perToken := 2*uint64(m.HiddenSize) + 3*uint64(m.IntermediateSize) + qkv
	return tokens * perToken * 4
}

// DetermineAvailableMemory profiles peak usage and returns the bytes left
// for the KV cache under the configured utilisation.
func (w *Worker) DetermineAvailableMemory() (uint64, error) {
	if w.dev == nil {
		return 0, ErrDeviceNotInitialized
	}
	if w.model == nil {
		return 0, ErrModelNotLoaded
	}

	w.dev.EmptyCache()
	w.dev.ResetPeak()
	act := w.activationBytes()
	if err := w.dev.Reserve(act); err != nil {
		return 0, errors.Wrap(err, "profile run")
	}
	w.dev.Release(act)
	if err := w.dev.Synchronize(); err != nil {
		return 0, errors.Wrap(err, "profile run")
	}
	peak := w.dev.Stats().Peak
	w.dev.EmptyCache()

	_, total := w.dev.MemoryInfo()
	budget := uint64(float64(total) * w.cfg.Cache.GPUMemoryUtilization)
	if peak > budget {
		return 0, errors.Wrapf(ErrInsufficientKVCache, "peak usage %d exceeds budget %d", peak, budget)
	}
	available := budget - peak
	w.logger.Info("memory profiled", "total", total, "budget", budget, "weights", w.weightBytes,
		"activations", act, "available_kv", available)
	return available, nil
}

// KVCacheSpec returns the cache layout of every attention layer.
func (w *Worker) KVCacheSpec() (map[string]attention.FullAttentionSpec, error) {
	if w.model == nil {
		return nil, ErrModelNotLoaded
	}
	specs := make(map[string]attention.FullAttentionSpec)
	for _, l := range w.model.DecoderLayers() {
		a := l.SelfAttention()
		specs[a.LayerName()] = a.KVCacheSpec()
	}
	return specs, nil
}

// KVCacheTensor is one per-layer cache allocation.
type KVCacheTensor struct {
	Size     uint64   `json:"size"`
	SharedBy []string `json:"sharedBy"`
}

// KVCacheGroup is a set of layers sharing a page layout.
type KVCacheGroup struct {
	LayerNames []string                    `json:"layerNames"`
	Spec       attention.FullAttentionSpec `json:"spec"`
}

// KVCacheConfig is the resolved cache allocation of one worker.
type KVCacheConfig struct {
	NumBlocks int             `json:"numBlocks"`
	Tensors   []KVCacheTensor `json:"tensors"`
	Groups    []KVCacheGroup  `json:"groups"`
}

// GetKVCacheConfigs sizes the KV cache of every worker. All workers get the
// smallest block count so block tables are interchangeable.
//
// Arguments:
//   - cfg: The engine configuration.
//   - specs: Per-worker layer specs, as returned by Worker.KVCacheSpec.
//   - available: Per-worker bytes, as returned by DetermineAvailableMemory.
//
// Returns:
//   - []*KVCacheConfig: One config per worker.
//   - error: Mismatched inputs or too little memory for one MaxModelLen sequence.
func GetKVCacheConfigs(cfg *EngineConfig, specs []map[string]attention.FullAttentionSpec, available []uint64) ([]*KVCacheConfig, error) {
	if len(specs) != len(available) {
		return nil, errors.Errorf("%d spec sets for %d memory budgets", len(specs), len(available))
	}

	configs := make([]*KVCacheConfig, len(specs))
	minBlocks := -1
	for i, layerSpecs := range specs {
		if len(layerSpecs) == 0 {
			return nil, errors.Errorf("worker %d has no attention layers", i)
		}
		names := make([]string, 0, len(layerSpecs))
		for n := range layerSpecs {
			names = append(names, n)
		}
		sort.Strings(names)

		spec := layerSpecs[names[0]]
		var perBlock uint64
		for _, n := range names {
			if layerSpecs[n] != spec {
				return nil, errors.Errorf("layer %s has a different cache layout than %s", n, names[0])
			}
			perBlock += layerSpecs[n].PageSizeBytes()
		}
		blocks := int(available[i] / perBlock)
		if cfg.Cache.NumGPUBlocksOverride > 0 {
			blocks = cfg.Cache.NumGPUBlocksOverride
		}
		if minBlocks < 0 || blocks < minBlocks {
			minBlocks = blocks
		}
		configs[i] = &KVCacheConfig{Groups: []KVCacheGroup{{LayerNames: names, Spec: spec}}}
	}

	for _, c := range configs {
		spec := c.Groups[0].Spec
		if need := spec.BlocksFor(cfg.Scheduler.MaxModelLen); minBlocks < need {
			return nil, errors.Wrapf(ErrInsufficientKVCache, "%d blocks hold %d tokens, max model len %d needs %d blocks",
				minBlocks, minBlocks*spec.BlockSize, cfg.Scheduler.MaxModelLen, need)
		}
		c.NumBlocks = minBlocks
		for _, n := range c.Groups[0].LayerNames {
			c.Tensors = append(c.Tensors, KVCacheTensor{
				Size:     uint64(minBlocks) * spec.PageSizeBytes(),
				SharedBy: []string{n},
			})
		}
	}
	return configs, nil
}

// InitializeFromConfig allocates the per-layer caches and binds them to the
// attention layers.
func (w *Worker) InitializeFromConfig(kv *KVCacheConfig) error {
	if w.model == nil {
		return ErrModelNotLoaded
	}
	attns := make(map[string]model.Attention)
	for _, l := range w.model.DecoderLayers() {
		a := l.SelfAttention()
		attns[a.LayerName()] = a
	}

	w.kvCaches = make(map[string]*attention.PagedKVCache)
	for _, g := range kv.Groups {
		for i, name := range g.LayerNames {
			a, ok := attns[name]
			if !ok {
				return errors.Errorf("kv cache config names unknown layer %q", name)
			}
			cache := attention.NewPagedKVCache(g.Spec, kv.NumBlocks, w.cfg.Seed+int64(i))
			if err := w.dev.Reserve(cache.Bytes()); err != nil {
				return errors.Wrapf(err, "reserve kv cache for %s", name)
			}
			w.kvBytes += cache.Bytes()
			a.BindKVCache(cache)
			w.kvCaches[name] = cache
		}
	}
	w.logger.Info("kv cache initialised", "blocks", kv.NumBlocks, "layers", len(w.kvCaches),
		"bytes", w.kvBytes, "tokens", kv.NumBlocks*kv.Groups[0].Spec.BlockSize)
	return nil
}

// KVCache returns the cache bound to layer, nil if none.
func (w *Worker) KVCache(layer string) *attention.PagedKVCache {
	return w.kvCaches[layer]
}

// Shutdown waits for outstanding work and releases the model and caches.
func (w *Worker) Shutdown() error {
	if w.dev == nil {
		return nil
	}
	err := w.dev.Synchronize()
	for _, l := range w.modelLayers() {
		l.SelfAttention().BindKVCache(nil)
	}
	if c, ok := w.model.(interface{ Close() }); ok {
		c.Close()
	}
	w.dev.Release(w.kvBytes + w.weightBytes)
	w.kvCaches, w.kvBytes, w.weightBytes = nil, 0, 0
	w.model = nil
	return err
}

// Close releases the device. It is separate from Shutdown so teardown can
// synchronise and empty the cache in between.
func (w *Worker) Close() error {
	if w.dev == nil {
		return nil
	}
	return w.dev.Close()
}

func (w *Worker) modelLayers() []model.DecoderLayer {
	if w.model == nil {
		return nil
	}
	return w.model.DecoderLayers()
}
