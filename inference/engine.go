package inference

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/pkg/errors"
)

// Engine is a worker with a loaded model and an initialised KV cache.
type Engine struct {
	Config         *EngineConfig
	Worker         *Worker
	KVCache        *KVCacheConfig
	AvailableBytes uint64
	logger         *log.Logger
}

// Model returns the loaded model.
func (e *Engine) Model() model.CausalLM { return e.Worker.GetModel() }

// Device returns the worker's device.
func (e *Engine) Device() device.Device { return e.Worker.Device() }

// Teardown returns the ordered best-effort cleanup of the engine. The
// returned list may be extended before Run.
//
// Arguments:
//   - postExitSleep: Slept after cleanup so a following run can rebind the
//     rendezvous port and reclaim memory.
//
// Returns:
//   - *Teardown: The cleanup steps.
func (e *Engine) Teardown(postExitSleep time.Duration) *Teardown {
	return newEngineTeardown(e.logger, e.Worker, postExitSleep)
}

func newEngineTeardown(logger *log.Logger, w *Worker, postExitSleep time.Duration) *Teardown {
	var dev device.Device
	if w != nil {
		dev = w.Device()
	}
	t := NewTeardown(logger)
	t.Add("worker shutdown", func() error {
		if w == nil {
			return nil
		}
		return w.Shutdown()
	})
	t.Add("destroy process group", func() error {
		if w == nil || w.group == nil || !IsInitialized() {
			return nil
		}
		return DestroyProcessGroup()
	})
	t.Add("drop model references", func() error {
		w = nil
		return nil
	})
	t.Add("garbage collect", func() error {
		runtime.GC()
		return nil
	})
	t.Add("device synchronize", func() error {
		if dev == nil {
			return nil
		}
		return dev.Synchronize()
	})
	t.Add("empty cache", func() error {
		if dev != nil {
			dev.EmptyCache()
		}
		return nil
	})
	t.Add("free os memory", func() error {
		debug.FreeOSMemory()
		return nil
	})
	t.Add("close device", func() error {
		if dev == nil {
			return nil
		}
		return dev.Close()
	})
	if postExitSleep > 0 {
		t.Add("post-exit sleep", func() error {
			time.Sleep(postExitSleep)
			return nil
		})
	}
	return t
}

// EngineBuilder assembles an Engine with a fluent API. The first failure is
// kept and every later step becomes a no-op.
type EngineBuilder struct {
	logger    *log.Logger
	cfg       *EngineConfig
	worker    *Worker
	kv        *KVCacheConfig
	available uint64
	err       error
}

// NewEngineBuilder creates a new engine builder.
//
// Arguments:
//   - logger: The logger shared by the worker and teardown; nil uses the default.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder(logger *log.Logger) *EngineBuilder {
	if logger == nil {
		logger = log.Default()
	}
	return &EngineBuilder{logger: logger}
}

// WithArgs resolves and validates the engine arguments.
func (b *EngineBuilder) WithArgs(args EngineArgs) *EngineBuilder {
	if b.HasError() {
		return b
	}
	cfg, err := args.CreateEngineConfig()
	if err != nil {
		b.err = err
		return b
	}
	b.cfg = cfg
	return b
}

// WithWorker creates the worker, initialises its device and loads the model.
func (b *EngineBuilder) WithWorker(args WorkerArgs, opts ...WorkerOption) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if b.cfg == nil {
		b.err = errors.New("engine args not configured")
		return b
	}
	b.worker = NewWorker(b.cfg, args, b.logger, opts...)
	if err := b.worker.InitDevice(); err != nil {
		b.err = err
		return b
	}
	if err := b.worker.LoadModel(); err != nil {
		b.err = err
	}
	return b
}

// WithKVCache profiles memory, sizes the KV cache and binds it to the model.
func (b *EngineBuilder) WithKVCache() *EngineBuilder {
	if b.HasError() {
		return b
	}
	if b.worker == nil {
		b.err = errors.New("worker not configured")
		return b
	}
	available, err := b.worker.DetermineAvailableMemory()
	if err != nil {
		b.err = err
		return b
	}
	specs, err := b.worker.KVCacheSpec()
	if err != nil {
		b.err = err
		return b
	}
	configs, err := GetKVCacheConfigs(b.cfg, []map[string]attention.FullAttentionSpec{specs}, []uint64{available})
	if err != nil {
		b.err = err
		return b
	}
	if err := b.worker.InitializeFromConfig(configs[0]); err != nil {
		b.err = err
		return b
	}
	b.kv, b.available = configs[0], available
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// Build returns the engine. On failure anything already created is torn
// down before the error is returned.
//
// Returns:
//   - *Engine: The engine.
//   - error: The first error of the chain, if any.
func (b *EngineBuilder) Build() (*Engine, error) {
	if !b.HasError() {
		switch {
		case b.worker == nil:
			b.err = errors.New("worker not configured")
		case b.kv == nil:
			b.err = errors.New("kv cache not configured")
		}
	}
	if b.HasError() {
		if b.worker != nil {
			newEngineTeardown(b.logger, b.worker, 0).Run()
		}
		return nil, b.err
	}
	return &Engine{
		Config:         b.cfg,
		Worker:         b.worker,
		KVCache:        b.kv,
		AvailableBytes: b.available,
		logger:         b.logger,
	}, nil
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - *Engine: The engine.
func (b *EngineBuilder) MustBuild() *Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}
