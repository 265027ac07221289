// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package timeline

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/fakegpu"
)

func newAllocator(t *testing.T, opts ...Option) (*Allocator, *fakegpu.Device) {
	t.Helper()
	dev := fakegpu.New()
	a, err := New(dev, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, dev
}

func submitSignal(dev *fakegpu.Device) func(gpucore.TimelineID, uint64) error {
	return func(id gpucore.TimelineID, v uint64) error {
		return dev.Submit(&gpucore.SubmitInfo{Label: "test", Timeline: id, TimelineValue: v})
	}
}

func TestNextSequential(t *testing.T) {
	a, _ := newAllocator(t)
	for want := uint64(1); want <= 5; want++ {
		got, err := a.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}
}

func TestNextSkipsPastGPUValue(t *testing.T) {
	a, dev := newAllocator(t)
	for range 5 {
		if _, err := a.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}
	dev.SetTimelineValue(a.ID(), 10)

	got, err := a.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got != 11 {
		t.Errorf("Next() = %d, want 11", got)
	}
}

func TestReserve(t *testing.T) {
	a, _ := newAllocator(t)
	first, err := a.Reserve(3)
	if err != nil {
		t.Fatalf("Reserve(3) error = %v", err)
	}
	if first != 1 || a.Current() != 3 {
		t.Errorf("Reserve(3) = %d, Current() = %d, want 1, 3", first, a.Current())
	}
	if _, err := a.Reserve(0); !errors.Is(err, gpucore.ErrInvalidValue) {
		t.Errorf("Reserve(0) error = %v, want ErrInvalidValue", err)
	}
}

func TestNextConcurrentUnique(t *testing.T) {
	a, _ := newAllocator(t)
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*perWorker)
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			prev := uint64(0)
			for range perWorker {
				v, err := a.Next()
				if err != nil {
					return err
				}
				if v <= prev {
					return errors.New("values from one goroutine must increase")
				}
				prev = v
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, workers*perWorker)
	assert.NotContains(t, seen, uint64(0))
	assert.Equal(t, uint64(workers*perWorker), a.Current())
}

func TestOverflowReset(t *testing.T) {
	a, dev := newAllocator(t)
	old := a.ID()
	dev.SetTimelineValue(old, math.MaxUint64-500)

	got, err := a.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got > DefaultHeadroom {
		t.Errorf("Next() after reset = %d, want <= %d", got, DefaultHeadroom)
	}
	if a.Resets() != 1 {
		t.Errorf("Resets() = %d, want 1", a.Resets())
	}
	if a.ID() == old {
		t.Error("primitive was not recreated")
	}
	if dev.LiveTimelines() != 1 {
		t.Errorf("LiveTimelines() = %d, want 1", dev.LiveTimelines())
	}
}

func TestOverflowResetOnceUnderContention(t *testing.T) {
	a, _ := newAllocator(t)
	a.counter.Store(math.MaxUint64 - DefaultHeadroom - 50)

	var mu sync.Mutex
	seen := make(map[uint64]struct{})
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 100 {
				v, err := a.Next()
				if err != nil {
					return err
				}
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(1), a.Resets())
	assert.Len(t, seen, 800)
}

func TestDrainTargetFollowsReset(t *testing.T) {
	a, _ := newAllocator(t)
	a.counter.Store(math.MaxUint64 - DefaultHeadroom - 200)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 100 {
				if _, err := a.Next(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(1), a.Resets())
	// A target left over from before the reset would sit near MaxUint64.
	if target, cur := a.drainTarget.Load(), a.Current(); target > cur {
		t.Errorf("drainTarget = %d, above counter %d after reset", target, cur)
	}
}

func TestOverflowResetDrainsInFlight(t *testing.T) {
	a, dev := newAllocator(t)
	dev.SetManual(true)
	if _, err := a.Signal(submitSignal(dev)); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	a.counter.Store(math.MaxUint64 - 10)

	go func() {
		time.Sleep(20 * time.Millisecond)
		dev.Complete()
	}()
	if _, err := a.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if n := dev.UnsafeDestroys.Load(); n != 0 {
		t.Errorf("UnsafeDestroys = %d, want 0", n)
	}
}

func TestOverflowResetForcedAfterDrainTimeout(t *testing.T) {
	a, dev := newAllocator(t, WithDrainTimeout(10*time.Millisecond))
	dev.SetManual(true)
	if _, err := a.Signal(submitSignal(dev)); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	a.counter.Store(math.MaxUint64 - 10)

	got, err := a.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got != 1 || a.Resets() != 1 {
		t.Errorf("Next() = %d, Resets() = %d, want 1, 1", got, a.Resets())
	}
}

func TestSignalNoRegression(t *testing.T) {
	a, dev := newAllocator(t)
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range 50 {
				if _, err := a.Signal(submitSignal(dev)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, dev.Regressions.Load())
	assert.EqualValues(t, 200, dev.Submits.Load())
}

func TestWait(t *testing.T) {
	a, dev := newAllocator(t)
	v, err := a.Signal(submitSignal(dev))
	if err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	status, err := a.Wait(v, time.Second)
	if status != WaitReached || err != nil {
		t.Errorf("Wait() = %v, %v, want Reached, nil", status, err)
	}
	if a.Observed() < v {
		t.Errorf("Observed() = %d, want >= %d", a.Observed(), v)
	}
}

func TestWaitInvalidValue(t *testing.T) {
	a, _ := newAllocator(t)
	if _, err := a.Next(); err != nil {
		t.Fatal(err)
	}
	for _, v := range []uint64{0, 2} {
		status, err := a.Wait(v, time.Millisecond)
		if status != WaitError || !errors.Is(err, gpucore.ErrInvalidValue) {
			t.Errorf("Wait(%d) = %v, %v, want Error, ErrInvalidValue", v, status, err)
		}
	}
}

func TestWaitTimeout(t *testing.T) {
	a, dev := newAllocator(t)
	dev.SetManual(true)
	v, err := a.Signal(submitSignal(dev))
	if err != nil {
		t.Fatal(err)
	}
	status, err := a.Wait(v, 10*time.Millisecond)
	if status != WaitTimeout || !errors.Is(err, gpucore.ErrTimeout) {
		t.Errorf("Wait() = %v, %v, want Timeout, ErrTimeout", status, err)
	}
}

func TestWaitDeviceLost(t *testing.T) {
	a, dev := newAllocator(t)
	dev.SetManual(true)
	v, err := a.Signal(submitSignal(dev))
	if err != nil {
		t.Fatal(err)
	}
	dev.Lose()
	status, err := a.Wait(v, time.Second)
	if status != WaitDeviceLost || !gpucore.IsDeviceLost(err) {
		t.Errorf("Wait() = %v, %v, want DeviceLost", status, err)
	}
}

func TestCloseAndRebind(t *testing.T) {
	a, dev := newAllocator(t)
	if _, err := a.Next(); err != nil {
		t.Fatal(err)
	}
	a.Close()
	a.Close()
	if dev.LiveTimelines() != 0 {
		t.Errorf("LiveTimelines() after Close = %d, want 0", dev.LiveTimelines())
	}
	if _, err := a.Next(); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() after Close error = %v, want ErrClosed", err)
	}

	fresh := fakegpu.New()
	if err := a.Rebind(fresh); err != nil {
		t.Fatalf("Rebind() error = %v", err)
	}
	got, err := a.Next()
	if err != nil || got != 1 {
		t.Errorf("Next() after Rebind = %d, %v, want 1, nil", got, err)
	}
}

func TestNewErrors(t *testing.T) {
	dev := fakegpu.New()
	if _, err := New(dev, WithHeadroom(0)); !errors.Is(err, ErrInvalidHeadroom) {
		t.Errorf("New(headroom 0) error = %v, want ErrInvalidHeadroom", err)
	}
	dev.Fail(fakegpu.OpCreateTimeline, gpucore.ErrOutOfMemory, 1)
	if _, err := New(dev); !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Errorf("New() error = %v, want ErrOutOfMemory", err)
	}
}

func TestWaitStatusString(t *testing.T) {
	tests := map[WaitStatus]string{
		WaitReached:    "Reached",
		WaitTimeout:    "Timeout",
		WaitDeviceLost: "DeviceLost",
		WaitError:      "Error",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
