// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package timeline

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
	"github.com/gogpu/framesync/internal/metrics"
)

const (
	// DefaultHeadroom is the distance from math.MaxUint64 at which the
	// primitive is recreated.
	DefaultHeadroom uint64 = 1000

	// DefaultDrainTimeout bounds the wait for in-flight work before a
	// primitive is destroyed during an overflow reset.
	DefaultDrainTimeout = 5 * time.Second
)

// Package errors.
var (
	// ErrClosed is returned after Close until Rebind succeeds.
	ErrClosed = errors.New("timeline: allocator closed")

	// ErrInvalidHeadroom is returned by New for an unusable headroom.
	ErrInvalidHeadroom = errors.New("timeline: invalid headroom")
)

// WaitStatus is the discriminated result of Wait.
type WaitStatus int

// Wait results.
const (
	// WaitReached means the primitive reached the requested value.
	WaitReached WaitStatus = iota

	// WaitTimeout means the timeout elapsed first.
	WaitTimeout

	// WaitDeviceLost means the driver reported device loss.
	WaitDeviceLost

	// WaitError covers invalid values and every other failure.
	WaitError
)

// String returns the status name.
func (s WaitStatus) String() string {
	switch s {
	case WaitReached:
		return "Reached"
	case WaitTimeout:
		return "Timeout"
	case WaitDeviceLost:
		return "DeviceLost"
	default:
		return "Error"
	}
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHeadroom sets the overflow safety margin.
func WithHeadroom(n uint64) Option {
	return func(a *Allocator) { a.headroom = n }
}

// WithDrainTimeout bounds the drain wait of an overflow reset.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *Allocator) { a.drainTimeout = d }
}

// WithMetrics routes counters to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(a *Allocator) { a.metrics = c }
}

// Allocator hands out timeline values and owns the completion primitive
// they are signaled on.
//
// Thread Safety: Allocator is safe for concurrent use. Allocation, waits
// and queries hold the read side of an RWMutex; primitive recreation holds
// the write side, so no reader observes a half-recreated primitive.
type Allocator struct {
	mu     sync.RWMutex
	dev    gpucore.TimelineDevice
	id     gpucore.TimelineID
	closed bool

	// counter is the last value handed out.
	counter atomic.Uint64
	// observed is the highest GPU value seen so far.
	observed atomic.Uint64
	// drainTarget is the highest value expected to be signaled on the
	// current primitive. Bookkeeping reservations do not raise it.
	drainTarget atomic.Uint64

	resets       atomic.Uint64
	headroom     uint64
	drainTimeout time.Duration
	metrics      *metrics.Collectors
}

// New creates an Allocator and its completion primitive, initialized to 0.
func New(dev gpucore.TimelineDevice, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		dev:          dev,
		headroom:     DefaultHeadroom,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.headroom == 0 || a.headroom > math.MaxUint64/2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHeadroom, a.headroom)
	}
	id, err := dev.CreateTimeline(0)
	if err != nil {
		return nil, fmt.Errorf("timeline: create primitive: %w", err)
	}
	a.id = id
	return a, nil
}

// Next returns a fresh value to signal on the primitive. The value is
// unique, non-zero and strictly greater than every value handed out before
// and every value the GPU has reached.
func (a *Allocator) Next() (uint64, error) {
	return a.reserve(1, true)
}

// Reserve allocates n consecutive values and returns the first. Reserved
// values label work for bookkeeping; they are not expected to be signaled,
// so an overflow reset does not wait for them.
func (a *Allocator) Reserve(n uint64) (uint64, error) {
	if n == 0 || n >= a.headroom {
		return 0, fmt.Errorf("timeline: reserve %d values: %w", n, gpucore.ErrInvalidValue)
	}
	return a.reserve(n, false)
}

// Signal allocates a value and calls fn with the primitive and the value
// while holding the read lock, so the submission made by fn cannot
// interleave with a primitive recreation. The value is returned even if fn
// fails.
func (a *Allocator) Signal(fn func(id gpucore.TimelineID, value uint64) error) (uint64, error) {
	for {
		a.mu.RLock()
		v, needReset, err := a.reserveLocked(1)
		if err != nil {
			a.mu.RUnlock()
			return 0, err
		}
		if needReset {
			a.mu.RUnlock()
			if err := a.reset(1); err != nil {
				return 0, err
			}
			continue
		}
		err = fn(a.id, v)
		if err == nil {
			raise(&a.drainTarget, v)
		}
		a.mu.RUnlock()
		return v, err
	}
}

// reserve allocates n values. When signaled is set the last one becomes a
// drain target, raised under the read lock so a concurrent reset cannot
// observe a target from before it zeroed the counter.
func (a *Allocator) reserve(n uint64, signaled bool) (uint64, error) {
	for {
		a.mu.RLock()
		first, needReset, err := a.reserveLocked(n)
		if err == nil && !needReset && signaled {
			raise(&a.drainTarget, first+n-1)
		}
		a.mu.RUnlock()
		if err != nil {
			return 0, err
		}
		if !needReset {
			return first, nil
		}
		if err := a.reset(n); err != nil {
			return 0, err
		}
	}
}

// reserveLocked runs the CAS loop. Caller holds at least the read lock.
func (a *Allocator) reserveLocked(n uint64) (first uint64, needReset bool, err error) {
	if a.closed {
		return 0, false, ErrClosed
	}
	gpu, err := a.dev.TimelineValue(a.id)
	if err != nil {
		return 0, false, fmt.Errorf("timeline: query value: %w", err)
	}
	raise(&a.observed, gpu)
	for {
		cur := a.counter.Load()
		base := max(cur, gpu)
		if a.nearOverflow(base, n) {
			return 0, true, nil
		}
		if a.counter.CompareAndSwap(cur, base+n) {
			a.metrics.ObserveTimelineValue(base + n)
			return base + 1, false, nil
		}
	}
}

func (a *Allocator) nearOverflow(base, n uint64) bool {
	return base > math.MaxUint64-a.headroom-n
}

// reset drains, destroys and recreates the primitive at 0 under the write
// lock. It re-checks the overflow condition first because another caller
// may have reset already.
func (a *Allocator) reset(n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	log := logging.Logger()
	gpu, err := a.dev.TimelineValue(a.id)
	if err != nil {
		log.Warn("timeline: reset could not query value, forcing recreation", "err", err)
		gpu = 0
	}
	if !a.nearOverflow(max(a.counter.Load(), gpu), n) {
		return nil
	}

	if target := a.drainTarget.Load(); err == nil && target > gpu {
		ok, werr := a.dev.WaitTimeline(a.id, target, a.drainTimeout)
		switch {
		case werr != nil:
			log.Warn("timeline: drain before reset failed, forcing recreation", "target", target, "err", werr)
		case !ok:
			log.Warn("timeline: drain before reset timed out, forcing recreation",
				"target", target, "timeout", a.drainTimeout)
		}
	}

	id, err := a.dev.CreateTimeline(0)
	if err != nil {
		return fmt.Errorf("timeline: recreate primitive: %w", err)
	}
	a.dev.DestroyTimeline(a.id)
	a.id = id
	a.counter.Store(0)
	a.observed.Store(0)
	a.drainTarget.Store(0)
	a.resets.Add(1)
	a.metrics.TimelineReset()
	log.Info("timeline: primitive recreated near overflow", "resets", a.resets.Load())
	return nil
}

// Wait blocks until the primitive reaches value or timeout elapses. Every
// status other than WaitReached comes with a non-nil error.
func (a *Allocator) Wait(value uint64, timeout time.Duration) (WaitStatus, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return WaitError, ErrClosed
	}
	if cur := a.counter.Load(); value == 0 || value > cur {
		return WaitError, fmt.Errorf("timeline: wait for %d with counter at %d: %w", value, cur, gpucore.ErrInvalidValue)
	}
	if value <= a.observed.Load() {
		return WaitReached, nil
	}
	ok, err := a.dev.WaitTimeline(a.id, value, timeout)
	if err != nil {
		if gpucore.IsDeviceLost(err) {
			return WaitDeviceLost, fmt.Errorf("timeline: wait for %d: %w", value, err)
		}
		return WaitError, fmt.Errorf("timeline: wait for %d: %w", value, err)
	}
	if !ok {
		return WaitTimeout, fmt.Errorf("timeline: wait for %d after %v: %w", value, timeout, gpucore.ErrTimeout)
	}
	raise(&a.observed, value)
	return WaitReached, nil
}

// Completed queries the primitive and returns the highest value reached.
func (a *Allocator) Completed() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, ErrClosed
	}
	v, err := a.dev.TimelineValue(a.id)
	if err != nil {
		return 0, fmt.Errorf("timeline: query value: %w", err)
	}
	raise(&a.observed, v)
	return v, nil
}

// Current returns the last value handed out.
func (a *Allocator) Current() uint64 { return a.counter.Load() }

// Observed returns the highest GPU value seen without querying the device.
func (a *Allocator) Observed() uint64 { return a.observed.Load() }

// Resets returns how many overflow resets have happened.
func (a *Allocator) Resets() uint64 { return a.resets.Load() }

// ID returns the current primitive. It may change after the call returns.
func (a *Allocator) ID() gpucore.TimelineID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Close destroys the primitive. Close is idempotent.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.dev.DestroyTimeline(a.id)
	a.id = gpucore.InvalidID
	a.closed = true
}

// Rebind creates a fresh primitive at 0 on dev, replacing a closed or stale
// one. Used after device recreation; the old primitive is not touched.
func (a *Allocator) Rebind(dev gpucore.TimelineDevice) error {
	id, err := dev.CreateTimeline(0)
	if err != nil {
		return fmt.Errorf("timeline: create primitive: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dev = dev
	a.id = id
	a.closed = false
	a.counter.Store(0)
	a.observed.Store(0)
	a.drainTarget.Store(0)
	return nil
}

// raise stores v into p if it is larger than the current value.
func raise(p *atomic.Uint64, v uint64) {
	for {
		cur := p.Load()
		if v <= cur || p.CompareAndSwap(cur, v) {
			return
		}
	}
}
