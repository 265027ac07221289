// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framesync/cleanup"
	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/fakegpu"
	"github.com/gogpu/framesync/recovery"
	"github.com/gogpu/framesync/submit"
	"github.com/gogpu/framesync/timeline"
	"github.com/gogpu/framesync/upload"
)

func newManager(t *testing.T, dev gpucore.Device, opts ...Option) *Manager {
	t.Helper()
	m, err := New(dev, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// factory hands out fresh fake devices and can be switched to failing.
type factory struct {
	mu      sync.Mutex
	fail    bool
	created []*fakegpu.Device
}

func (f *factory) create(context.Context) (gpucore.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no adapter")
	}
	d := fakegpu.New()
	f.created = append(f.created, d)
	return d, nil
}

func (f *factory) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type lossCounter struct {
	lost, done, failed, exhausted atomic.Int32
}

func (c *lossCounter) install(m *Manager) {
	m.SetDeviceLossCallbacks(
		func(recovery.LossEvent) { c.lost.Add(1) },
		func(e recovery.CompletionEvent) {
			c.done.Add(1)
			if !e.Success {
				c.failed.Add(1)
			}
			if e.Exhausted {
				c.exhausted.Add(1)
			}
		})
}

func runFrame(t *testing.T, m *Manager) Frame {
	t.Helper()
	f, err := m.BeginFrame()
	require.NoError(t, err)
	_, err = m.SubmitFrame(f, FrameSubmit{})
	require.NoError(t, err)
	return f
}

func TestFrameLoop(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev, WithFramesInFlight(3))

	var last uint64
	for i := range 9 {
		f, err := m.BeginFrame()
		if err != nil {
			t.Fatalf("frame %d: BeginFrame() error = %v", i, err)
		}
		if f.Index != i%3 {
			t.Errorf("frame %d: Index = %d, want %d", i, f.Index, i%3)
		}
		if i > 0 && f.Labels.Acquire == 0 {
			t.Errorf("frame %d: no labels reserved", i)
		}
		v, err := m.SubmitFrame(f, FrameSubmit{Present: true})
		if err != nil {
			t.Fatalf("frame %d: SubmitFrame() error = %v", i, err)
		}
		if v <= last {
			t.Errorf("frame %d: value %d not above %d", i, v, last)
		}
		last = v
	}
	if n := dev.Regressions.Load(); n != 0 {
		t.Errorf("Regressions = %d, want 0", n)
	}
	if n := dev.Submits.Load(); n != 9 {
		t.Errorf("Submits = %d, want 9", n)
	}
}

func TestSubmitFrameStale(t *testing.T) {
	m := newManager(t, fakegpu.New())
	f := runFrame(t, m)
	if _, err := m.SubmitFrame(f, FrameSubmit{}); !errors.Is(err, ErrNoFrame) {
		t.Errorf("SubmitFrame(stale) error = %v, want ErrNoFrame", err)
	}
	if _, err := m.SubmitFrame(Frame{}, FrameSubmit{}); !errors.Is(err, ErrNoFrame) {
		t.Errorf("SubmitFrame(zero) error = %v, want ErrNoFrame", err)
	}
}

func TestDroppedFrameKeepsSlotReady(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev)

	f, err := m.BeginFrame()
	require.NoError(t, err)
	// Nothing submitted: the same slot comes back without a fence wait.
	waits := dev.FenceWaits.Load()
	g, err := m.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, f.Index, g.Index)
	assert.Equal(t, waits, dev.FenceWaits.Load())

	_, err = m.AdvanceFrame()
	require.NoError(t, err)
	assert.Equal(t, 1, m.FrameIndex())
}

func TestDeferDestroyRunsAfterSlotCompletes(t *testing.T) {
	m := newManager(t, fakegpu.New())

	var destroyed atomic.Bool
	f := runFrame(t, m)
	// Queued after SubmitFrame advanced: still keyed on the submitted slot.
	require.NoError(t, m.DeferDestroy(f, cleanup.Func(func() { destroyed.Store(true) })))
	if err := m.DeferDestroy(Frame{}, cleanup.Func(func() {})); !errors.Is(err, ErrNoFrame) {
		t.Errorf("DeferDestroy(zero frame) error = %v, want ErrNoFrame", err)
	}

	runFrame(t, m) // slot 1
	if destroyed.Load() {
		t.Fatal("destroyed before its slot was waited on again")
	}
	runFrame(t, m) // slot 0 again
	if !destroyed.Load() {
		t.Error("deferred destroyer did not run after slot 0 completed")
	}
}

func TestRecoveryWithFactory(t *testing.T) {
	dev := fakegpu.New()
	fac := &factory{}
	reg := prometheus.NewRegistry()
	m := newManager(t, dev,
		WithDeviceFactory(fac.create),
		WithRetryBackoff(&backoff.ZeroBackOff{}),
		WithMetricsRegisterer(reg))
	var c lossCounter
	c.install(m)

	runFrame(t, m)
	dev.Lose()

	_, err := m.BeginFrame()
	if !errors.Is(err, ErrFrameSkipped) || !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Fatalf("BeginFrame() error = %v, want ErrFrameSkipped wrapping ErrDeviceLost", err)
	}
	if m.IsDeviceLost() {
		t.Fatal("IsDeviceLost() = true after successful recovery")
	}
	if c.lost.Load() != 1 || c.done.Load() != 1 || c.failed.Load() != 0 {
		t.Errorf("callbacks lost=%d done=%d failed=%d, want 1/1/0", c.lost.Load(), c.done.Load(), c.failed.Load())
	}
	require.Equal(t, 1, fac.count())
	fresh := fac.created[0]
	if m.Device() != gpucore.Device(fresh) {
		t.Error("Device() was not replaced by the factory device")
	}
	if dev.Destroyed() {
		t.Error("caller-owned device was destroyed")
	}
	r := m.LastRecovery()
	assert.True(t, r.Success)
	assert.Equal(t, []string{StageDevice, StageTimeline, StageFrames}, r.Recreated)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.FramesSkipped))

	f := runFrame(t, m)
	assert.Equal(t, 0, f.Index)
	assert.Positive(t, fresh.Submits.Load())

	// Uploads go to the new device.
	dst, err := fresh.CreateBuffer(&gpucore.BufferDesc{Size: 8, Usage: gpucore.BufferUsageCopyDst})
	require.NoError(t, err)
	_, err = m.Upload(upload.Request{Dst: dst, Data: []byte{9, 9}})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(fresh.BufferData(dst)[:2], []byte{9, 9}))

	require.NoError(t, m.Close())
	assert.True(t, fresh.Destroyed(), "factory device should be destroyed on Close")
}

func TestRecoveryWithoutFactoryKeepsDevice(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev)
	runFrame(t, m)

	r, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Same(t, dev, m.Device().(*fakegpu.Device))
	assert.Equal(t, 1, dev.LiveTimelines())
	assert.Equal(t, DefaultFramesInFlight, dev.LiveFences())
	runFrame(t, m)
}

func TestBoundedRecoveryRetries(t *testing.T) {
	dev := fakegpu.New()
	fac := &factory{fail: true}
	m := newManager(t, dev,
		WithDeviceFactory(fac.create),
		WithMaxRecoveryAttempts(3),
		WithRetryBackoff(&backoff.ZeroBackOff{}))
	var c lossCounter
	c.install(m)

	runFrame(t, m)
	dev.Lose()
	for range 6 {
		if _, err := m.BeginFrame(); !errors.Is(err, ErrFrameSkipped) {
			t.Fatalf("BeginFrame() error = %v, want ErrFrameSkipped", err)
		}
	}
	if got := c.lost.Load(); got != 3 {
		t.Errorf("DeviceLost callbacks = %d, want 3", got)
	}
	if got := c.exhausted.Load(); got != 1 {
		t.Errorf("exhausted completions = %d, want 1", got)
	}
	if got := m.RecoveryState(); got != recovery.Failed {
		t.Errorf("RecoveryState() = %v, want Failed", got)
	}
	attempts, max := m.RecoveryStats()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, max)
	assert.Equal(t, -1, m.FrameIndex())
	assert.Equal(t, StageDevice, m.LastRecovery().FailedStage)
	assert.True(t, m.LastRecovery().FallbackUsed)

	if _, err := m.Recover(context.Background()); !errors.Is(err, recovery.ErrExhausted) {
		t.Errorf("Recover() error = %v, want ErrExhausted", err)
	}
	assert.Equal(t, int32(3), c.lost.Load(), "exhausted Recover must not notify")

	fac.setFail(false)
	m.ResetRecovery()
	_, _ = m.BeginFrame()
	if m.IsDeviceLost() {
		t.Fatal("IsDeviceLost() = true after reset and recovery")
	}
	runFrame(t, m)
}

func TestBackgroundLossOnlyMarks(t *testing.T) {
	dev := fakegpu.New()
	fac := &factory{}
	m := newManager(t, dev, WithDeviceFactory(fac.create), WithRetryBackoff(&backoff.ZeroBackOff{}))
	var c lossCounter
	c.install(m)

	dev.Lose()
	_, err := m.ImmediateSubmit("bg", func(gpucore.CommandEncoder) error { return nil })
	if !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Fatalf("ImmediateSubmit() error = %v, want ErrDeviceLost", err)
	}
	if !m.IsDeviceLost() {
		t.Fatal("IsDeviceLost() = false after background loss")
	}
	if c.lost.Load() != 0 || fac.count() != 0 {
		t.Fatal("background call must not run recovery")
	}

	if _, err := m.NextTimelineValue(); !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Errorf("NextTimelineValue() error = %v, want ErrDeviceLost", err)
	}
	if _, err := m.Upload(upload.Request{Dst: 1, Data: []byte{1}}); !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Errorf("Upload() error = %v, want ErrDeviceLost", err)
	}

	// The render thread picks it up.
	if _, err := m.BeginFrame(); !errors.Is(err, ErrFrameSkipped) {
		t.Errorf("BeginFrame() error = %v, want ErrFrameSkipped", err)
	}
	assert.Equal(t, int32(1), c.lost.Load())
	assert.False(t, m.IsDeviceLost())
	runFrame(t, m)
}

func TestTimeoutEscalation(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev,
		WithFrameTimeout(5*time.Millisecond),
		WithDrainTimeout(20*time.Millisecond),
		WithTimeoutEscalation(2),
		WithRetryBackoff(&backoff.ZeroBackOff{}))
	var c lossCounter
	c.install(m)

	dev.SetManual(true)
	runFrame(t, m)
	runFrame(t, m)

	_, err := m.BeginFrame()
	if !errors.Is(err, gpucore.ErrTimeout) {
		t.Fatalf("BeginFrame() error = %v, want ErrTimeout", err)
	}
	assert.False(t, m.IsDeviceLost())

	_, err = m.BeginFrame()
	if !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Fatalf("BeginFrame() error = %v, want escalated ErrDeviceLost", err)
	}
	// The GPU is still busy: the attempt stops before tearing anything down.
	assert.Equal(t, int32(1), c.done.Load())
	assert.Equal(t, recovery.IdleStage, m.LastRecovery().FailedStage)
	assert.True(t, m.IsDeviceLost())
	assert.Equal(t, int64(0), dev.UnsafeDestroys.Load())
	assert.Equal(t, DefaultFramesInFlight, dev.LiveFences())

	dev.Complete()
	dev.SetManual(false)
	if _, err := m.BeginFrame(); !errors.Is(err, ErrFrameSkipped) {
		t.Fatalf("BeginFrame() error = %v, want ErrFrameSkipped", err)
	}
	assert.False(t, m.IsDeviceLost())
	assert.True(t, m.LastRecovery().Success)
	assert.Equal(t, int64(0), dev.UnsafeDestroys.Load())
	runFrame(t, m)
}

func TestEscalatedRecoveryKeepsPendingWork(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev,
		WithFrameTimeout(5*time.Millisecond),
		WithSubmitTimeout(5*time.Millisecond),
		WithDrainTimeout(20*time.Millisecond),
		WithTimeoutEscalation(2),
		WithRetryBackoff(&backoff.ZeroBackOff{}))
	dev.SetManual(true)

	r, err := m.ImmediateSubmit("copy", func(gpucore.CommandEncoder) error { return nil })
	require.ErrorIs(t, err, gpucore.ErrTimeout)
	require.Equal(t, submit.OutcomeLeaked, r.Outcome)

	var destroyed atomic.Bool
	f := runFrame(t, m)
	require.NoError(t, m.DeferDestroy(f, cleanup.Func(func() { destroyed.Store(true) })))
	runFrame(t, m)

	for range 2 {
		if _, err := m.BeginFrame(); !errors.Is(err, ErrFrameSkipped) {
			t.Fatalf("BeginFrame() error = %v, want ErrFrameSkipped", err)
		}
	}
	require.True(t, m.IsDeviceLost())
	assert.Equal(t, 3, dev.Pending())
	assert.Equal(t, int64(0), dev.UnsafeFrees.Load(), "leaked command buffer freed while executing")
	assert.Equal(t, int64(0), dev.UnsafeDestroys.Load(), "sync object destroyed while executing")
	assert.False(t, destroyed.Load(), "deferred destroyer ran before its slot completed")
	assert.Equal(t, 1, m.sub.Leaked())

	// Once the GPU drains, the next attempt releases everything safely.
	dev.Complete()
	dev.SetManual(false)
	if _, err := m.BeginFrame(); !errors.Is(err, ErrFrameSkipped) {
		t.Fatalf("BeginFrame() error = %v, want ErrFrameSkipped", err)
	}
	require.False(t, m.IsDeviceLost())
	assert.True(t, destroyed.Load())
	assert.Equal(t, 0, m.sub.Leaked())
	assert.Equal(t, int64(0), dev.UnsafeFrees.Load())
	assert.Equal(t, int64(0), dev.UnsafeDestroys.Load())
	runFrame(t, m)
}

func TestTimelineAndImmediate(t *testing.T) {
	m := newManager(t, fakegpu.New())

	r, err := m.ImmediateSubmit("init", func(gpucore.CommandEncoder) error { return nil })
	require.NoError(t, err)
	status, err := m.WaitTimeline(r.Value, time.Second)
	require.NoError(t, err)
	assert.Equal(t, timeline.WaitReached, status)

	v, err := m.NextTimelineValue()
	require.NoError(t, err)
	assert.Greater(t, v, r.Value)
}

func TestConcurrentUploadsDuringFrames(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev, WithUploadWorkers(2))
	dst, err := dev.CreateBuffer(&gpucore.BufferDesc{Size: 64, Usage: gpucore.BufferUsageCopyDst})
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		for range 20 {
			f, err := m.BeginFrame()
			if err != nil {
				return err
			}
			if _, err := m.SubmitFrame(f, FrameSubmit{}); err != nil {
				return err
			}
		}
		return nil
	})
	var done atomic.Int32
	for i := range 8 {
		req := upload.Request{Dst: dst, Offset: uint64(i * 8), Data: bytes.Repeat([]byte{byte(i + 1)}, 8)}
		require.NoError(t, m.UploadAsync(context.Background(), req, func(_ upload.Handle, err error) {
			if err == nil {
				done.Add(1)
			}
		}))
	}
	require.NoError(t, g.Wait())
	m.WaitUploads()
	assert.Equal(t, int32(8), done.Load())
	assert.Equal(t, int64(0), dev.Regressions.Load())
	assert.Equal(t, byte(8), dev.BufferData(dst)[63])
}

func TestUploadAll(t *testing.T) {
	dev := fakegpu.New()
	m := newManager(t, dev)
	dst, err := dev.CreateBuffer(&gpucore.BufferDesc{Size: 16, Usage: gpucore.BufferUsageCopyDst})
	require.NoError(t, err)

	hs, err := m.UploadAll(context.Background(), []upload.Request{
		{Dst: dst, Data: []byte{1, 2}},
		{Dst: dst, Offset: 4, Data: []byte{3, 4}},
	})
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, []byte{1, 2, 0, 0, 3, 4}, dev.BufferData(dst)[:6])
}

func TestClose(t *testing.T) {
	dev := fakegpu.New()
	m, err := New(dev)
	require.NoError(t, err)

	var destroyed atomic.Bool
	f, err := m.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, m.DeferDestroy(f, cleanup.Func(func() { destroyed.Store(true) })))
	_, err = m.SubmitFrame(f, FrameSubmit{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, destroyed.Load())
	assert.Equal(t, 0, dev.LiveFences())
	assert.Equal(t, 0, dev.LiveSemaphores())
	assert.Equal(t, 0, dev.LiveTimelines())
	assert.False(t, dev.Destroyed(), "caller-owned device must survive Close")

	if _, err := m.BeginFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginFrame() after Close error = %v, want ErrClosed", err)
	}
	if _, err := m.NextTimelineValue(); !errors.Is(err, ErrClosed) {
		t.Errorf("NextTimelineValue() after Close error = %v, want ErrClosed", err)
	}
}
