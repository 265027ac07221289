// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
	"github.com/gogpu/framesync/internal/metrics"
)

// MaxFramesInFlight is the largest supported slot count.
const MaxFramesInFlight = 8

// labelsPerFrame is the number of timeline values reserved by Advance.
const labelsPerFrame = 3

// Package errors.
var (
	// ErrResetBeforeWait is returned when a fence reset is requested before
	// a wait on the slot returned StatusReady.
	ErrResetBeforeWait = errors.New("frame: fence reset before a ready wait")

	// ErrSubmitBeforeReset is returned when a slot is marked submitted
	// while its fence is still signaled from the previous use.
	ErrSubmitBeforeReset = errors.New("frame: slot submitted before fence reset")

	// ErrInvalidSlot is returned for an out-of-range slot index.
	ErrInvalidSlot = errors.New("frame: invalid slot")

	// ErrInvalidCount is returned by New for an unsupported slot count.
	ErrInvalidCount = errors.New("frame: invalid frames-in-flight count")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("frame: pacer destroyed")
)

// Status is the discriminated result of Wait.
type Status int

// Wait results.
const (
	StatusReady Status = iota
	StatusTimeout
	StatusDeviceLost
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusTimeout:
		return "Timeout"
	case StatusDeviceLost:
		return "DeviceLost"
	default:
		return "Error"
	}
}

// State is the lifecycle state of a slot.
type State int

// Slot states.
const (
	// Idle means no submission that uses the slot is pending.
	Idle State = iota

	// Submitted means the slot's fence guards a pending submission.
	Submitted
)

// String returns the state name.
func (s State) String() string {
	if s == Submitted {
		return "Submitted"
	}
	return "Idle"
}

// Labels are the timeline values reserved for one frame. They tag work for
// bookkeeping and telemetry and are never signaled.
type Labels struct {
	Acquire uint64
	Render  uint64
	Present uint64
}

// LabelReserver hands out consecutive timeline values.
// *timeline.Allocator implements it.
type LabelReserver interface {
	Reserve(n uint64) (uint64, error)
}

// Slot is a snapshot of one frame slot's sync objects and state.
type Slot struct {
	Index          int
	Fence          gpucore.FenceID
	ImageAcquired  gpucore.SemaphoreID
	RenderFinished gpucore.SemaphoreID
	State          State
	Labels         Labels
}

type slot struct {
	Slot

	// ready is set by a Ready wait and cleared by ResetFence.
	ready bool
	// armed means the fence was reset and nothing was submitted with it.
	armed bool
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithMetrics routes wait results to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(p *Pacer) { p.metrics = c }
}

// Pacer owns the frames-in-flight slots and rotates through them.
//
// A Pacer is owned by the render thread and is not safe for concurrent use.
type Pacer struct {
	dev       gpucore.FenceDevice
	labels    LabelReserver
	slots     []*slot
	current   int
	frames    uint64
	destroyed bool
	metrics   *metrics.Collectors
}

// New creates n slots, each with a signaled fence and two semaphores. On
// partial failure every object created so far is destroyed.
func New(dev gpucore.FenceDevice, labels LabelReserver, n int, opts ...Option) (*Pacer, error) {
	if n < 1 || n > MaxFramesInFlight {
		return nil, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidCount, n, MaxFramesInFlight)
	}
	p := &Pacer{dev: dev, labels: labels, slots: make([]*slot, 0, n)}
	for _, opt := range opts {
		opt(p)
	}
	for i := range n {
		s, err := p.createSlot(i)
		if err != nil {
			p.Destroy()
			return nil, fmt.Errorf("frame: create slot %d: %w", i, err)
		}
		p.slots = append(p.slots, s)
	}
	return p, nil
}

func (p *Pacer) createSlot(i int) (*slot, error) {
	fence, err := p.dev.CreateFence(true)
	if err != nil {
		return nil, err
	}
	acquired, err := p.dev.CreateSemaphore()
	if err != nil {
		p.dev.DestroyFence(fence)
		return nil, err
	}
	finished, err := p.dev.CreateSemaphore()
	if err != nil {
		p.dev.DestroySemaphore(acquired)
		p.dev.DestroyFence(fence)
		return nil, err
	}
	return &slot{Slot: Slot{
		Index:          i,
		Fence:          fence,
		ImageAcquired:  acquired,
		RenderFinished: finished,
	}}, nil
}

func (p *Pacer) slot(i int) (*slot, error) {
	if p.destroyed {
		return nil, ErrDestroyed
	}
	if i < 0 || i >= len(p.slots) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, i)
	}
	return p.slots[i], nil
}

// Wait blocks until the fence of slot i is signaled or timeout elapses.
// An already signaled fence returns without blocking. Every status other
// than StatusReady comes with a non-nil error.
func (p *Pacer) Wait(i int, timeout time.Duration) (Status, error) {
	s, err := p.slot(i)
	if err != nil {
		return StatusError, err
	}
	if s.armed || s.ready {
		return p.ready(s), nil
	}

	signaled, err := p.dev.FenceStatus(s.Fence)
	if err == nil && !signaled {
		signaled, err = p.dev.WaitFence(s.Fence, timeout)
	}
	switch {
	case err != nil && gpucore.IsDeviceLost(err):
		p.metrics.FrameWait("device_lost")
		return StatusDeviceLost, fmt.Errorf("frame: wait slot %d: %w", i, err)
	case err != nil:
		p.metrics.FrameWait("error")
		return StatusError, fmt.Errorf("frame: wait slot %d: %w", i, err)
	case !signaled:
		p.metrics.FrameWait("timeout")
		logging.Logger().Debug("frame: slot wait timed out", "slot", i, "timeout", timeout)
		return StatusTimeout, fmt.Errorf("frame: wait slot %d after %v: %w", i, timeout, gpucore.ErrTimeout)
	}
	return p.ready(s), nil
}

func (p *Pacer) ready(s *slot) Status {
	s.ready = true
	s.State = Idle
	p.metrics.FrameWait("ready")
	return StatusReady
}

// ResetFence unsignals the fence of slot i so it can guard the next
// submission. It fails with ErrResetBeforeWait unless the latest Wait on
// the slot returned StatusReady. Resetting an already reset fence that was
// never submitted is a no-op.
func (p *Pacer) ResetFence(i int) error {
	s, err := p.slot(i)
	if err != nil {
		return err
	}
	if s.armed {
		return nil
	}
	if !s.ready {
		return fmt.Errorf("%w: slot %d", ErrResetBeforeWait, i)
	}
	if err := p.dev.ResetFence(s.Fence); err != nil {
		return fmt.Errorf("frame: reset slot %d: %w", i, err)
	}
	s.ready = false
	s.armed = true
	return nil
}

// MarkSubmitted records that a submission guarded by slot i's fence was
// accepted by the queue.
func (p *Pacer) MarkSubmitted(i int) error {
	s, err := p.slot(i)
	if err != nil {
		return err
	}
	if !s.armed {
		return fmt.Errorf("%w: slot %d", ErrSubmitBeforeReset, i)
	}
	s.armed = false
	s.State = Submitted
	return nil
}

// Advance moves to the next slot and reserves its timeline labels. On a
// reservation error the current slot does not change.
func (p *Pacer) Advance() (Labels, error) {
	if p.destroyed {
		return Labels{}, ErrDestroyed
	}
	var labels Labels
	if p.labels != nil {
		first, err := p.labels.Reserve(labelsPerFrame)
		if err != nil {
			return Labels{}, fmt.Errorf("frame: reserve labels: %w", err)
		}
		labels = Labels{Acquire: first, Render: first + 1, Present: first + 2}
	}
	p.current = (p.current + 1) % len(p.slots)
	p.frames++
	p.slots[p.current].Labels = labels
	return labels, nil
}

// Current returns the index of the current slot.
func (p *Pacer) Current() int { return p.current }

// Frames returns how many times Advance succeeded.
func (p *Pacer) Frames() uint64 { return p.frames }

// Len returns the number of slots.
func (p *Pacer) Len() int { return len(p.slots) }

// Slot returns a snapshot of slot i.
func (p *Pacer) Slot(i int) (Slot, error) {
	s, err := p.slot(i)
	if err != nil {
		return Slot{}, err
	}
	return s.Slot, nil
}

// Destroy releases every fence and semaphore. The caller guarantees that
// no submission using them is pending. Destroy is idempotent.
func (p *Pacer) Destroy() {
	if p.destroyed {
		return
	}
	for _, s := range p.slots {
		p.dev.DestroySemaphore(s.RenderFinished)
		p.dev.DestroySemaphore(s.ImageAcquired)
		p.dev.DestroyFence(s.Fence)
	}
	p.slots = nil
	p.destroyed = true
}
