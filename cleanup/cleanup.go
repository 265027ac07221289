// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cleanup defers destruction of transient GPU resources until the
// frame slot that last used them has been observed complete.
package cleanup

import (
	"errors"
	"fmt"

	"github.com/gogpu/framesync/gpucore"
)

// ErrInvalidSlot is returned for an out-of-range slot index.
var ErrInvalidSlot = errors.New("cleanup: invalid slot")

// Destroyer is the interface that wraps the Destroy method.
type Destroyer interface {
	Destroy()
}

// Func adapts a function to Destroyer.
type Func func()

// Destroy calls f.
func (f Func) Destroy() { f() }

// Buffer destroys a GPU buffer on Dev.
type Buffer struct {
	Dev gpucore.BufferDevice
	ID  gpucore.BufferID
}

// Destroy implements Destroyer.
func (b Buffer) Destroy() { b.Dev.DestroyBuffer(b.ID) }

// Scheduler keeps one FIFO of pending destroyers per frame slot.
//
// A Scheduler is owned by the render thread and is not safe for
// concurrent use.
type Scheduler struct {
	queues [][]Destroyer
}

// New creates a Scheduler for n slots.
func New(n int) *Scheduler {
	return &Scheduler{queues: make([][]Destroyer, n)}
}

// Defer queues d for destruction once slot has been retired.
func (s *Scheduler) Defer(slot int, d Destroyer) error {
	if slot < 0 || slot >= len(s.queues) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if d == nil {
		return nil
	}
	s.queues[slot] = append(s.queues[slot], d)
	return nil
}

// DeferFunc queues fn for slot.
func (s *Scheduler) DeferFunc(slot int, fn func()) error {
	if fn == nil {
		return s.Defer(slot, nil)
	}
	return s.Defer(slot, Func(fn))
}

// Retire destroys every entry queued for slot in FIFO order and returns how
// many ran. Call it only after the slot's wait reported completion.
func (s *Scheduler) Retire(slot int) int {
	if slot < 0 || slot >= len(s.queues) {
		return 0
	}
	q := s.queues[slot]
	for i, d := range q {
		d.Destroy()
		q[i] = nil
	}
	s.queues[slot] = q[:0]
	return len(q)
}

// Drain retires every slot. Used at shutdown and during recovery teardown
// once the device is idle or gone.
func (s *Scheduler) Drain() int {
	n := 0
	for i := range s.queues {
		n += s.Retire(i)
	}
	return n
}

// Pending returns the number of entries queued for slot.
func (s *Scheduler) Pending(slot int) int {
	if slot < 0 || slot >= len(s.queues) {
		return 0
	}
	return len(s.queues[slot])
}

// Len returns the number of slots.
func (s *Scheduler) Len() int { return len(s.queues) }
