package device

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/profiler"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(&bytes.Buffer{}))}, opts...)
	h := NewHost(opts...)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestLaunchIsAsynchronous(t *testing.T) {
	h := newTestHost(t)

	release := make(chan struct{})
	var ran atomic.Bool
	require.NoError(t, h.Launch("blocked", func() error {
		<-release
		ran.Store(true)
		return nil
	}))

	// Launch returned while the kernel is still blocked.
	assert.False(t, ran.Load())
	close(release)

	require.NoError(t, h.Synchronize())
	assert.True(t, ran.Load())
}

func TestKernelsRunInOrder(t *testing.T) {
	h := newTestHost(t)

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, h.Launch("append", func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.NoError(t, h.Synchronize())

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSynchronizeReportsKernelFailureOnce(t *testing.T) {
	h := newTestHost(t)
	boom := errors.New("boom")

	var skipped atomic.Bool
	require.NoError(t, h.Launch("fails", func() error { return boom }))
	require.NoError(t, h.Launch("after", func() error {
		skipped.Store(true)
		return nil
	}))

	err := h.Synchronize()
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
	assert.Contains(t, err.Error(), `kernel "fails" failed`)
	assert.False(t, skipped.Load(), "work queued behind a failed kernel must not run")

	assert.NoError(t, h.Synchronize())
}

func TestKernelPanicBecomesError(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.Launch("panics", func() error { panic("bad index") }))

	err := h.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad index")
}

func TestEventsMeasureDeviceTime(t *testing.T) {
	h := newTestHost(t)

	start, end := h.NewEvent(), h.NewEvent()
	require.NoError(t, start.Record())
	require.NoError(t, h.Launch("sleep", func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}))
	require.NoError(t, end.Record())
	require.NoError(t, end.Synchronize())

	elapsed, err := start.Elapsed(end)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestEventErrors(t *testing.T) {
	h := newTestHost(t)
	ev := h.NewEvent()

	assert.ErrorIs(t, ev.Synchronize(), ErrEventNotRecorded)

	release := make(chan struct{})
	require.NoError(t, h.Launch("blocked", func() error {
		<-release
		return nil
	}))
	require.NoError(t, ev.Record())

	other := h.NewEvent()
	require.NoError(t, other.Record())
	_, err := ev.Elapsed(other)
	assert.ErrorIs(t, err, ErrEventNotReady)

	close(release)
	require.NoError(t, other.Synchronize())
	_, err = ev.Elapsed(other)
	assert.NoError(t, err)
}

func TestEventCompletesAfterKernelFailure(t *testing.T) {
	h := newTestHost(t)
	ev := h.NewEvent()

	require.NoError(t, h.Launch("fails", func() error { return errors.New("fault") }))
	require.NoError(t, ev.Record())
	require.NoError(t, ev.Synchronize())
	assert.Error(t, h.Synchronize())
}

func TestMemoryLedger(t *testing.T) {
	h := newTestHost(t, WithMemoryLimit(1000))

	require.NoError(t, h.Reserve(600))
	free, total := h.MemoryInfo()
	assert.Equal(t, uint64(400), free)
	assert.Equal(t, uint64(1000), total)

	err := h.Reserve(500)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	h.Release(600)
	stats := h.Stats()
	assert.Equal(t, uint64(0), stats.Allocated)
	assert.Equal(t, uint64(600), stats.Cached)
	assert.Equal(t, uint64(600), stats.Peak)

	// Cached bytes are reused before fresh capacity.
	require.NoError(t, h.Reserve(900))
	stats = h.Stats()
	assert.Equal(t, uint64(900), stats.Allocated)
	assert.Equal(t, uint64(0), stats.Cached)

	h.Release(900)
	h.EmptyCache()
	free, _ = h.MemoryInfo()
	assert.Equal(t, uint64(1000), free)

	h.ResetPeak()
	assert.Equal(t, uint64(0), h.Stats().Peak)
}

func TestLaunchAfterClose(t *testing.T) {
	h := NewHost(WithLogger(log.New(&bytes.Buffer{})))
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Launch("late", func() error { return nil }), ErrClosed)
	assert.NoError(t, h.Close())
}

func TestKernelsAreTraced(t *testing.T) {
	tracer := profiler.NewTracer(profiler.TracerOptions{})
	h := newTestHost(t, WithTracer(tracer))

	require.NoError(t, h.Launch("qwen3.mlp", func() error { return nil }))
	require.NoError(t, h.Synchronize())

	summary := tracer.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, "qwen3.mlp", summary[0].Name)
}
