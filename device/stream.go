package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/nvr-ai/layerbench/profiler"
	"github.com/pkg/errors"
)

// Stream is an ordered queue of work served by a single goroutine.
type Stream struct {
	id     int
	tasks  chan task
	done   chan struct{}
	wg     sync.WaitGroup
	tracer *profiler.Tracer

	mu      sync.Mutex
	closed  bool
	pending error
}

type task struct {
	name   string
	fn     Kernel
	marker bool
}

// NewStream creates a stream and starts its worker.
//
// Arguments:
//   - id: The stream identifier, used for the trace track.
//   - depth: The queue depth; Submit blocks when this many tasks are queued.
//   - tracer: Optional tracer receiving one slice per kernel.
//
// Returns:
//   - *Stream: The running stream.
func NewStream(id, depth int, tracer *profiler.Tracer) *Stream {
	if depth <= 0 {
		depth = 1024
	}
	s := &Stream{
		id:     id,
		tasks:  make(chan task, depth),
		done:   make(chan struct{}),
		tracer: tracer,
	}
	tracer.NameThread(profiler.StreamThreadBase+id, fmt.Sprintf("stream %d", id))

	go s.worker()

	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() int {
	return s.id
}

// worker processes tasks for a stream
func (s *Stream) worker() {
	for t := range s.tasks {
		s.run(t)
		s.wg.Done()
	}
	close(s.done)
}

func (s *Stream) run(t task) {
	if t.marker {
		_ = t.fn()
		return
	}

	s.mu.Lock()
	failed := s.pending != nil
	s.mu.Unlock()
	// Work queued behind a failed kernel is skipped, the way a faulted
	// accelerator context refuses further launches until the error is read.
	if failed {
		return
	}

	start := time.Now()
	err := safeCall(t.fn)
	s.tracer.Slice("device", t.name, profiler.StreamThreadBase+s.id, start, time.Since(start), nil)

	if err != nil {
		s.mu.Lock()
		if s.pending == nil {
			s.pending = errors.Wrapf(err, "kernel %q failed", t.name)
		}
		s.mu.Unlock()
	}
}

func safeCall(fn Kernel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("kernel panic: %v", r)
		}
	}()
	return fn()
}

// Submit enqueues a kernel.
func (s *Stream) Submit(name string, fn Kernel) error {
	return s.enqueue(task{name: name, fn: fn})
}

// submitMarker enqueues a task that runs even when a kernel has failed.
func (s *Stream) submitMarker(fn Kernel) error {
	return s.enqueue(task{name: "marker", fn: fn, marker: true})
}

func (s *Stream) enqueue(t task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.tasks <- t
	return nil
}

// Synchronize waits for all queued tasks and returns, then clears, the
// pending kernel error.
func (s *Stream) Synchronize() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.pending
	s.pending = nil
	return err
}

// Close drains the queue and stops the worker.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	close(s.tasks)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
