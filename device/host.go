package device

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/profiler"
	"github.com/pkg/errors"
)

// defaultHostMemory is used when the platform does not report physical memory.
const defaultHostMemory = 8 << 30

// Host is a Device backed by host goroutines. Kernels execute in order on a
// single stream, asynchronously with respect to the caller.
type Host struct {
	id     int
	name   string
	stream *Stream
	logger *log.Logger

	mu        sync.Mutex
	total     uint64
	allocated uint64
	cached    uint64
	peak      uint64
}

// Option configures a Host device.
type Option func(*hostOptions)

type hostOptions struct {
	id          int
	queueDepth  int
	memoryLimit uint64
	tracer      *profiler.Tracer
	logger      *log.Logger
}

// WithID sets the device ordinal.
func WithID(id int) Option {
	return func(o *hostOptions) { o.id = id }
}

// WithQueueDepth sets how many kernels may be queued before Launch blocks.
func WithQueueDepth(depth int) Option {
	return func(o *hostOptions) { o.queueDepth = depth }
}

// WithMemoryLimit caps the device capacity instead of using physical memory.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *hostOptions) { o.memoryLimit = bytes }
}

// WithTracer records one trace slice per executed kernel.
func WithTracer(tracer *profiler.Tracer) Option {
	return func(o *hostOptions) { o.tracer = tracer }
}

// WithLogger sets the device logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *hostOptions) { o.logger = logger }
}

// NewHost creates a host device.
//
// Arguments:
//   - opts: The device options.
//
// Returns:
//   - *Host: The device, ready to accept work.
func NewHost(opts ...Option) *Host {
	o := hostOptions{queueDepth: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}

	total := o.memoryLimit
	if total == 0 {
		total = systemMemory()
	}
	if total == 0 {
		o.logger.Warn("physical memory unknown, using default capacity", "bytes", uint64(defaultHostMemory))
		total = defaultHostMemory
	}

	return &Host{
		id:     o.id,
		name:   fmt.Sprintf("host:%d (%s/%s, %d cpus)", o.id, runtime.GOOS, runtime.GOARCH, runtime.NumCPU()),
		stream: NewStream(0, o.queueDepth, o.tracer),
		logger: o.logger,
		total:  total,
	}
}

// Name returns a human-readable device name.
func (h *Host) Name() string {
	return h.name
}

// Launch enqueues kernel on the device stream.
func (h *Host) Launch(name string, kernel Kernel) error {
	if err := h.stream.Submit(name, kernel); err != nil {
		return errors.Wrapf(err, "launch %s", name)
	}
	return nil
}

// Synchronize waits for all launched work to finish.
func (h *Host) Synchronize() error {
	return h.stream.Synchronize()
}

// NewEvent creates an event on the device stream.
func (h *Host) NewEvent() Event {
	return newStreamEvent(h.stream)
}

// MemoryInfo reports free and total bytes. Cached bytes are not free until
// EmptyCache is called.
func (h *Host) MemoryInfo() (free, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	used := h.allocated + h.cached
	if used >= h.total {
		return 0, h.total
	}
	return h.total - used, h.total
}

// Reserve accounts for an allocation, reusing cached bytes first.
func (h *Host) Reserve(bytes uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fromCache := bytes
	if fromCache > h.cached {
		fromCache = h.cached
	}
	fresh := bytes - fromCache
	if h.allocated+h.cached+fresh > h.total {
		return errors.Wrapf(ErrOutOfMemory, "tried to reserve %d bytes (allocated %d, cached %d, total %d)",
			bytes, h.allocated, h.cached, h.total)
	}

	h.cached -= fromCache
	h.allocated += bytes
	if h.allocated > h.peak {
		h.peak = h.allocated
	}
	return nil
}

// Release returns bytes to the cache.
func (h *Host) Release(bytes uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bytes > h.allocated {
		bytes = h.allocated
	}
	h.allocated -= bytes
	h.cached += bytes
}

// Stats returns the allocation ledger.
func (h *Host) Stats() MemoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return MemoryStats{
		Total:     h.total,
		Allocated: h.allocated,
		Cached:    h.cached,
		Peak:      h.peak,
	}
}

// ResetPeak sets the peak to the current allocation.
func (h *Host) ResetPeak() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peak = h.allocated
}

// EmptyCache drops cached bytes.
func (h *Host) EmptyCache() {
	h.mu.Lock()
	released := h.cached
	h.cached = 0
	h.mu.Unlock()
	if released > 0 {
		h.logger.Debug("emptied device cache", "bytes", released)
	}
}

// Close drains the stream.
func (h *Host) Close() error {
	return h.stream.Close()
}
