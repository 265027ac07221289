// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package fakegpu provides a scriptable in-memory gpucore.Device for tests.
//
// By default every submission completes as soon as it is enqueued. In
// manual mode (SetManual(true)) submissions stay pending until Complete is
// called, which lets tests observe in-flight states. Failures can be
// injected per operation and device loss can be simulated with Lose.
//
// The fake also detects correctness violations that a real driver would
// turn into undefined behavior: freeing a command buffer that is still
// executing, destroying a timeline that pending work references, and
// signaling a timeline value that does not increase.
package fakegpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framesync/gpucore"
)

// Operation names accepted by Fail.
const (
	OpCreateFence     = "CreateFence"
	OpFenceStatus     = "FenceStatus"
	OpWaitFence       = "WaitFence"
	OpResetFence      = "ResetFence"
	OpCreateSemaphore = "CreateSemaphore"
	OpCreateTimeline  = "CreateTimeline"
	OpTimelineValue   = "TimelineValue"
	OpWaitTimeline    = "WaitTimeline"
	OpBeginCommands   = "BeginCommands"
	OpEndCommands     = "EndCommands"
	OpSubmit          = "Submit"
	OpCreateBuffer    = "CreateBuffer"
	OpWriteBuffer     = "WriteBuffer"
	OpWaitIdle        = "WaitIdle"
)

type fence struct {
	signaled bool
	pending  int
}

type timeline struct {
	value         uint64
	lastSubmitted uint64
	pending       int
}

type cmdBuf struct {
	label     string
	ended     bool
	submitted bool
	done      bool
	copies    []Copy
}

type submission struct {
	info gpucore.SubmitInfo
}

type injected struct {
	err   error
	times int // <0 means forever
}

// Copy is a recorded buffer-to-buffer copy.
type Copy struct {
	Src, Dst gpucore.BufferID
	Regions  []gpucore.BufferCopy
}

// Device is a fake gpucore.Device. The zero value is not usable; call New.
type Device struct {
	mu      sync.Mutex
	changed chan struct{}

	nextID     uint64
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]struct{}
	timelines  map[gpucore.TimelineID]*timeline
	cmds       map[gpucore.CommandBufferID]*cmdBuf
	buffers    map[gpucore.BufferID][]byte
	pending    []submission
	copies     []Copy
	failures   map[string]*injected

	manual    bool
	lost      bool
	destroyed bool
	onSubmit  func(*gpucore.SubmitInfo)

	// Call counters, safe to read at any time.
	Submits         atomic.Int64
	FreedCommands   atomic.Int64
	UnsafeFrees     atomic.Int64
	UnsafeDestroys  atomic.Int64
	Regressions     atomic.Int64
	TimelineCreates atomic.Int64
	FenceResets     atomic.Int64
	FenceWaits      atomic.Int64
	WaitIdles       atomic.Int64
}

var _ gpucore.Device = (*Device)(nil)

// New creates a healthy fake device in auto-complete mode.
func New() *Device {
	return &Device{
		changed:    make(chan struct{}),
		fences:     make(map[gpucore.FenceID]*fence),
		semaphores: make(map[gpucore.SemaphoreID]struct{}),
		timelines:  make(map[gpucore.TimelineID]*timeline),
		cmds:       make(map[gpucore.CommandBufferID]*cmdBuf),
		buffers:    make(map[gpucore.BufferID][]byte),
		failures:   make(map[string]*injected),
	}
}

// SetManual switches between auto-complete (false) and manual (true) mode.
func (d *Device) SetManual(manual bool) {
	d.mu.Lock()
	d.manual = manual
	d.mu.Unlock()
}

// OnSubmit installs a hook invoked (without the device lock) for every
// accepted submission.
func (d *Device) OnSubmit(fn func(*gpucore.SubmitInfo)) {
	d.mu.Lock()
	d.onSubmit = fn
	d.mu.Unlock()
}

// Fail makes the next times calls of op return err. times < 0 fails forever.
func (d *Device) Fail(op string, err error, times int) {
	d.mu.Lock()
	d.failures[op] = &injected{err: err, times: times}
	d.mu.Unlock()
}

// ClearFailures removes every injected failure.
func (d *Device) ClearFailures() {
	d.mu.Lock()
	d.failures = make(map[string]*injected)
	d.mu.Unlock()
}

// Lose simulates device loss: every driver call from now on reports
// gpucore.ErrDeviceLost and blocked waiters wake up.
func (d *Device) Lose() {
	d.mu.Lock()
	d.lost = true
	d.broadcastLocked()
	d.mu.Unlock()
}

// Lost reports whether Lose was called.
func (d *Device) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Destroyed reports whether Destroy was called.
func (d *Device) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Complete finishes every pending submission.
func (d *Device) Complete() {
	d.mu.Lock()
	d.completeLocked(len(d.pending))
	d.mu.Unlock()
}

// CompleteN finishes the n oldest pending submissions.
func (d *Device) CompleteN(n int) {
	d.mu.Lock()
	d.completeLocked(n)
	d.mu.Unlock()
}

// Pending returns the number of submissions still executing.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// SetTimelineValue moves a primitive's GPU-side value, simulating work
// signaled by another queue.
func (d *Device) SetTimelineValue(id gpucore.TimelineID, value uint64) {
	d.mu.Lock()
	if tl, ok := d.timelines[id]; ok {
		tl.value = value
		if value > tl.lastSubmitted {
			tl.lastSubmitted = value
		}
		d.broadcastLocked()
	}
	d.mu.Unlock()
}

// SetAllTimelines calls SetTimelineValue on every live primitive.
func (d *Device) SetAllTimelines(value uint64) {
	for _, id := range d.Timelines() {
		d.SetTimelineValue(id, value)
	}
}

// Timelines returns the IDs of live timeline primitives.
func (d *Device) Timelines() []gpucore.TimelineID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]gpucore.TimelineID, 0, len(d.timelines))
	for id := range d.timelines {
		ids = append(ids, id)
	}
	return ids
}

// LiveFences returns the number of live fences.
func (d *Device) LiveFences() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fences)
}

// LiveSemaphores returns the number of live semaphores.
func (d *Device) LiveSemaphores() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.semaphores)
}

// LiveTimelines returns the number of live timeline primitives.
func (d *Device) LiveTimelines() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timelines)
}

// LiveCommandBuffers returns the number of allocated command buffers.
func (d *Device) LiveCommandBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cmds)
}

// LiveBuffers returns the number of live GPU buffers.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// BufferData returns a copy of a buffer's contents.
func (d *Device) BufferData(id gpucore.BufferID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buffers[id]...)
}

// Copies returns every copy that was recorded into a submitted command
// buffer, in submission order.
func (d *Device) Copies() []Copy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Copy(nil), d.copies...)
}

// === gpucore.FenceDevice ===

// CreateFence implements gpucore.FenceDevice.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpCreateFence); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.FenceID(d.allocIDLocked())
	d.fences[id] = &fence{signaled: signaled}
	return id, nil
}

// DestroyFence implements gpucore.FenceDevice.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.fences[id]; ok && f.pending > 0 {
		d.UnsafeDestroys.Add(1)
	}
	delete(d.fences, id)
}

// FenceStatus implements gpucore.FenceDevice.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpFenceStatus); err != nil {
		return false, err
	}
	f, ok := d.fences[id]
	if !ok {
		return false, fmt.Errorf("fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	return f.signaled, nil
}

// WaitFence implements gpucore.FenceDevice.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	d.FenceWaits.Add(1)
	return d.waitFor(OpWaitFence, timeout, func() (bool, error) {
		f, ok := d.fences[id]
		if !ok {
			return false, fmt.Errorf("fence %d: %w", id, gpucore.ErrUnknownResource)
		}
		return f.signaled, nil
	})
}

// ResetFence implements gpucore.FenceDevice.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpResetFence); err != nil {
		return err
	}
	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	f.signaled = false
	d.FenceResets.Add(1)
	return nil
}

// CreateSemaphore implements gpucore.FenceDevice.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpCreateSemaphore); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.SemaphoreID(d.allocIDLocked())
	d.semaphores[id] = struct{}{}
	return id, nil
}

// DestroySemaphore implements gpucore.FenceDevice.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// === gpucore.TimelineDevice ===

// CreateTimeline implements gpucore.TimelineDevice.
func (d *Device) CreateTimeline(initial uint64) (gpucore.TimelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpCreateTimeline); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.TimelineID(d.allocIDLocked())
	d.timelines[id] = &timeline{value: initial, lastSubmitted: initial}
	d.TimelineCreates.Add(1)
	return id, nil
}

// DestroyTimeline implements gpucore.TimelineDevice.
func (d *Device) DestroyTimeline(id gpucore.TimelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tl, ok := d.timelines[id]; ok && tl.pending > 0 {
		d.UnsafeDestroys.Add(1)
	}
	delete(d.timelines, id)
}

// TimelineValue implements gpucore.TimelineDevice.
func (d *Device) TimelineValue(id gpucore.TimelineID) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpTimelineValue); err != nil {
		return 0, err
	}
	tl, ok := d.timelines[id]
	if !ok {
		return 0, fmt.Errorf("timeline %d: %w", id, gpucore.ErrSemaphoreInvalid)
	}
	return tl.value, nil
}

// WaitTimeline implements gpucore.TimelineDevice.
func (d *Device) WaitTimeline(id gpucore.TimelineID, value uint64, timeout time.Duration) (bool, error) {
	return d.waitFor(OpWaitTimeline, timeout, func() (bool, error) {
		tl, ok := d.timelines[id]
		if !ok {
			return false, fmt.Errorf("timeline %d: %w", id, gpucore.ErrSemaphoreInvalid)
		}
		return tl.value >= value, nil
	})
}

// === gpucore.CommandDevice ===

type encoder struct {
	d  *Device
	id gpucore.CommandBufferID
}

func (e *encoder) CopyBufferToBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	if cb, ok := e.d.cmds[e.id]; ok && !cb.ended {
		cb.copies = append(cb.copies, Copy{Src: src, Dst: dst, Regions: append([]gpucore.BufferCopy(nil), regions...)})
	}
}

// BeginCommands implements gpucore.CommandDevice.
func (d *Device) BeginCommands(label string) (gpucore.CommandBufferID, gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpBeginCommands); err != nil {
		return gpucore.InvalidID, nil, err
	}
	id := gpucore.CommandBufferID(d.allocIDLocked())
	d.cmds[id] = &cmdBuf{label: label}
	return id, &encoder{d: d, id: id}, nil
}

// EndCommands implements gpucore.CommandDevice.
func (d *Device) EndCommands(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpEndCommands); err != nil {
		return err
	}
	cb, ok := d.cmds[id]
	if !ok {
		return fmt.Errorf("command buffer %d: %w", id, gpucore.ErrUnknownResource)
	}
	cb.ended = true
	return nil
}

// FreeCommandBuffer implements gpucore.CommandDevice.
func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmds[id]
	if !ok {
		return
	}
	if cb.submitted && !cb.done {
		d.UnsafeFrees.Add(1)
	}
	d.FreedCommands.Add(1)
	delete(d.cmds, id)
}

// Submit implements gpucore.CommandDevice.
func (d *Device) Submit(info *gpucore.SubmitInfo) error {
	d.mu.Lock()
	if err := d.checkLocked(OpSubmit); err != nil {
		d.mu.Unlock()
		return err
	}
	for _, id := range info.CommandBuffers {
		cb, ok := d.cmds[id]
		if !ok || !cb.ended {
			d.mu.Unlock()
			return fmt.Errorf("submit command buffer %d: %w", id, gpucore.ErrUnknownResource)
		}
	}
	if info.Timeline != gpucore.InvalidID {
		tl, ok := d.timelines[info.Timeline]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("submit timeline %d: %w", info.Timeline, gpucore.ErrSemaphoreInvalid)
		}
		if info.TimelineValue == 0 || info.TimelineValue <= tl.lastSubmitted {
			d.Regressions.Add(1)
		}
		if info.TimelineValue > tl.lastSubmitted {
			tl.lastSubmitted = info.TimelineValue
		}
		tl.pending++
	}
	if info.Fence != gpucore.InvalidID {
		f, ok := d.fences[info.Fence]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("submit fence %d: %w", info.Fence, gpucore.ErrUnknownResource)
		}
		f.pending++
	}
	for _, id := range info.CommandBuffers {
		cb := d.cmds[id]
		cb.submitted = true
		d.copies = append(d.copies, cb.copies...)
	}
	s := submission{info: *info}
	s.info.CommandBuffers = append([]gpucore.CommandBufferID(nil), info.CommandBuffers...)
	d.pending = append(d.pending, s)
	d.Submits.Add(1)
	if !d.manual {
		d.completeLocked(len(d.pending))
	}
	hook := d.onSubmit
	d.mu.Unlock()

	if hook != nil {
		hook(info)
	}
	return nil
}

// === gpucore.BufferDevice ===

// CreateBuffer implements gpucore.BufferDevice.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpCreateBuffer); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.BufferID(d.allocIDLocked())
	d.buffers[id] = make([]byte, desc.Size)
	return id, nil
}

// DestroyBuffer implements gpucore.BufferDevice.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

// WriteBuffer implements gpucore.BufferDevice.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(OpWriteBuffer); err != nil {
		return err
	}
	buf, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("buffer %d: %w", id, gpucore.ErrUnknownResource)
	}
	if offset+uint64(len(data)) > uint64(len(buf)) {
		return fmt.Errorf("write %d bytes at %d into %d-byte buffer: %w", len(data), offset, len(buf), gpucore.ErrInvalidValue)
	}
	copy(buf[offset:], data)
	return nil
}

// === gpucore.Device ===

// WaitIdle implements gpucore.Device.
func (d *Device) WaitIdle(timeout time.Duration) error {
	d.WaitIdles.Add(1)
	ok, err := d.waitFor(OpWaitIdle, timeout, func() (bool, error) {
		return len(d.pending) == 0, nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wait idle after %v: %w", timeout, gpucore.ErrTimeout)
	}
	return nil
}

// Destroy implements gpucore.Device.
func (d *Device) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.broadcastLocked()
	d.mu.Unlock()
}

// === internals ===

func (d *Device) allocIDLocked() uint64 {
	d.nextID++
	return d.nextID
}

// checkLocked returns the injected failure for op, or ErrDeviceLost.
func (d *Device) checkLocked(op string) error {
	if d.lost {
		return fmt.Errorf("fakegpu: %s: %w", op, gpucore.ErrDeviceLost)
	}
	inj, ok := d.failures[op]
	if !ok {
		return nil
	}
	if inj.times > 0 {
		inj.times--
		if inj.times == 0 {
			delete(d.failures, op)
		}
	}
	return fmt.Errorf("fakegpu: %s: %w", op, inj.err)
}

func (d *Device) completeLocked(n int) {
	if n > len(d.pending) {
		n = len(d.pending)
	}
	for _, s := range d.pending[:n] {
		if s.info.Fence != gpucore.InvalidID {
			if f, ok := d.fences[s.info.Fence]; ok {
				f.signaled = true
				f.pending--
			}
		}
		if s.info.Timeline != gpucore.InvalidID {
			if tl, ok := d.timelines[s.info.Timeline]; ok {
				if s.info.TimelineValue > tl.value {
					tl.value = s.info.TimelineValue
				}
				tl.pending--
			}
		}
		for _, id := range s.info.CommandBuffers {
			if cb, ok := d.cmds[id]; ok {
				d.applyCopiesLocked(cb.copies)
				cb.done = true
			}
		}
	}
	d.pending = d.pending[n:]
	if n > 0 {
		d.broadcastLocked()
	}
}

func (d *Device) applyCopiesLocked(copies []Copy) {
	for _, c := range copies {
		src, dst := d.buffers[c.Src], d.buffers[c.Dst]
		if src == nil || dst == nil {
			continue
		}
		for _, r := range c.Regions {
			if r.SrcOffset+r.Size > uint64(len(src)) || r.DstOffset+r.Size > uint64(len(dst)) {
				continue
			}
			copy(dst[r.DstOffset:r.DstOffset+r.Size], src[r.SrcOffset:r.SrcOffset+r.Size])
		}
	}
}

func (d *Device) broadcastLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// waitFor polls cond under the lock until it holds, the device is lost or
// timeout elapses.
func (d *Device) waitFor(op string, timeout time.Duration, cond func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if err := d.checkLocked(op); err != nil {
			d.mu.Unlock()
			return false, err
		}
		ok, err := cond()
		if err != nil || ok {
			d.mu.Unlock()
			return ok, err
		}
		ch := d.changed
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}
