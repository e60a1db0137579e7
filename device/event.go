package device

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// streamEvent is an Event bound to a Stream.
type streamEvent struct {
	stream *Stream

	mu       sync.Mutex
	recorded bool
	done     chan struct{}
	stamp    time.Time
}

func newStreamEvent(s *Stream) *streamEvent {
	return &streamEvent{stream: s}
}

// Record enqueues the marker. Recording again replaces the previous stamp.
func (e *streamEvent) Record() error {
	done := make(chan struct{})

	e.mu.Lock()
	e.recorded = true
	e.done = done
	e.mu.Unlock()

	return e.stream.submitMarker(func() error {
		e.mu.Lock()
		e.stamp = time.Now()
		e.mu.Unlock()
		close(done)
		return nil
	})
}

func (e *streamEvent) doneChan() (chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recorded {
		return nil, ErrEventNotRecorded
	}
	return e.done, nil
}

// Synchronize blocks until the stream reaches the marker.
func (e *streamEvent) Synchronize() error {
	done, err := e.doneChan()
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (e *streamEvent) completedStamp() (time.Time, error) {
	done, err := e.doneChan()
	if err != nil {
		return time.Time{}, err
	}
	select {
	case <-done:
	default:
		return time.Time{}, ErrEventNotReady
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stamp, nil
}

// Elapsed returns end's stamp minus this event's stamp.
func (e *streamEvent) Elapsed(end Event) (time.Duration, error) {
	other, ok := end.(*streamEvent)
	if !ok {
		return 0, errors.Errorf("incompatible event type %T", end)
	}

	start, err := e.completedStamp()
	if err != nil {
		return 0, errors.Wrap(err, "start event")
	}
	stop, err := other.completedStamp()
	if err != nil {
		return 0, errors.Wrap(err, "end event")
	}
	return stop.Sub(start), nil
}
