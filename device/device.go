// Package device - Accelerator device abstraction with an asynchronous command queue.
//
// Work handed to a Device is enqueued on an in-order stream and Launch returns
// as soon as the work is queued. Only Synchronize (or synchronizing an Event)
// guarantees that previously launched work has finished, which is the property
// host-side timers must respect.
package device

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is returned when a reservation exceeds the device capacity.
	ErrOutOfMemory = errors.New("device out of memory")
	// ErrClosed is returned when work is launched on a closed device or stream.
	ErrClosed = errors.New("device closed")
	// ErrEventNotRecorded is returned when waiting on an event never recorded.
	ErrEventNotRecorded = errors.New("event has not been recorded")
	// ErrEventNotReady is returned by Elapsed when an event has not completed.
	ErrEventNotReady = errors.New("event has not completed")
)

// Kernel is a unit of device work. A returned error becomes the stream's
// pending error and is reported by the next Synchronize.
type Kernel func() error

// Event is a marker placed in a stream. It is stamped when the stream reaches
// it, so the elapsed time between two events measures device execution only.
type Event interface {
	// Record enqueues the marker on the stream.
	Record() error
	// Synchronize blocks until the stream has reached the marker.
	Synchronize() error
	// Elapsed returns the time between this event and end. Both must have completed.
	Elapsed(end Event) (time.Duration, error)
}

// MemoryStats is a snapshot of the device allocation ledger.
type MemoryStats struct {
	Total     uint64 `json:"total"     yaml:"total"`
	Allocated uint64 `json:"allocated" yaml:"allocated"`
	Cached    uint64 `json:"cached"    yaml:"cached"`
	Peak      uint64 `json:"peak"      yaml:"peak"`
}

// Device represents the contract every compute device implements.
type Device interface {
	Name() string
	// Launch enqueues a kernel and returns without waiting for it.
	Launch(name string, kernel Kernel) error
	// Synchronize waits for all launched work and returns the first kernel
	// failure since the previous Synchronize, if any.
	Synchronize() error
	NewEvent() Event
	// MemoryInfo reports free and total bytes.
	MemoryInfo() (free, total uint64)
	Reserve(bytes uint64) error
	Release(bytes uint64)
	Stats() MemoryStats
	ResetPeak()
	// EmptyCache returns cached, unused blocks to the system.
	EmptyCache()
	Close() error
}
