// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
)

// halDevice is the part of hal.Device the backend drives.
type halDevice interface {
	CreateFence() (hal.Fence, error)
	DestroyFence(f hal.Fence)
	Wait(f hal.Fence, value uint64, timeout time.Duration) (bool, error)
	CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error)
	DestroyBuffer(b hal.Buffer)
	CreateCommandEncoder(label string) (halEncoder, error)
	FreeCommandBuffer(cb hal.CommandBuffer)
	Destroy()
}

// halQueue is the part of hal.Queue the backend drives.
type halQueue interface {
	Submit(cmds []hal.CommandBuffer, fence hal.Fence, value uint64) error
	WriteBuffer(b hal.Buffer, offset uint64, data []byte) error
}

// halEncoder is the part of hal.CommandEncoder the backend drives.
type halEncoder interface {
	BeginEncoding(label string) error
	EndEncoding() (hal.CommandBuffer, error)
	DiscardEncoding()
	CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy)
}

// checkpoint is a value on a HAL fence.
type checkpoint struct {
	f     hal.Fence
	value uint64
}

type fence struct {
	signaled bool
	at       checkpoint // zero when reset and not yet submitted
}

type timeline struct {
	f         hal.Fence
	completed uint64
	last      uint64
	pending   []uint64
}

type command struct {
	label string
	enc   halEncoder
	buf   hal.CommandBuffer
	err   error
}

// Option configures a Device.
type Option func(*Device)

// WithLossClassifier replaces the driver-error test for device loss.
func WithLossClassifier(fn func(error) bool) Option {
	return func(d *Device) {
		if fn != nil {
			d.lossClassifier = fn
		}
	}
}

// withOwnership marks the HAL device as owned, so Destroy releases it.
func withOwnership(closer func()) Option {
	return func(d *Device) {
		d.owned = true
		d.closer = closer
	}
}

// Device implements gpucore.Device on a HAL device and queue.
//
// Thread Safety: Device is safe for concurrent use. Resource tables are
// protected by a mutex; blocking waits run without it.
type Device struct {
	dev   halDevice
	queue halQueue

	owned          bool
	closer         func()
	lossClassifier func(error) bool
	lost           atomic.Bool
	nextID         atomic.Uint64

	// submitMu orders queue submissions with their signal values.
	submitMu sync.Mutex

	mu         sync.Mutex
	destroyed  bool
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]struct{}
	timelines  map[gpucore.TimelineID]*timeline
	cmds       map[gpucore.CommandBufferID]*command
	buffers    map[gpucore.BufferID]hal.Buffer
	queueFence hal.Fence
	queueValue uint64
}

var _ gpucore.Device = (*Device)(nil)

func newDevice(dev halDevice, queue halQueue, opts ...Option) *Device {
	d := &Device{
		dev:            dev,
		queue:          queue,
		lossClassifier: IsDeviceLostMessage,
		fences:         make(map[gpucore.FenceID]*fence),
		semaphores:     make(map[gpucore.SemaphoreID]struct{}),
		timelines:      make(map[gpucore.TimelineID]*timeline),
		cmds:           make(map[gpucore.CommandBufferID]*command),
		buffers:        make(map[gpucore.BufferID]hal.Buffer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// check fails fast once the device is lost or destroyed.
func (d *Device) check(op string) error {
	if d.lost.Load() {
		return fmt.Errorf("native: %s: %w", op, gpucore.ErrDeviceLost)
	}
	d.mu.Lock()
	destroyed := d.destroyed
	d.mu.Unlock()
	if destroyed {
		return fmt.Errorf("native: %s: %w", op, ErrDestroyed)
	}
	return nil
}

// Lost reports whether a driver call has reported device loss.
func (d *Device) Lost() bool { return d.lost.Load() }

// === gpucore.FenceDevice ===

// CreateFence implements gpucore.FenceDevice.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	if err := d.check("create fence"); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.FenceID(d.newID())
	d.mu.Lock()
	d.fences[id] = &fence{signaled: signaled}
	d.mu.Unlock()
	return id, nil
}

// DestroyFence implements gpucore.FenceDevice.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

func (d *Device) fenceCheckpoint(id gpucore.FenceID) (signaled bool, at checkpoint, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[id]
	if !ok {
		return false, checkpoint{}, fmt.Errorf("native: fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	return f.signaled, f.at, nil
}

func (d *Device) markFenceSignaled(id gpucore.FenceID, at checkpoint) {
	d.mu.Lock()
	if f, ok := d.fences[id]; ok && f.at == at {
		f.signaled = true
	}
	d.mu.Unlock()
}

// FenceStatus implements gpucore.FenceDevice.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	return d.WaitFence(id, 0)
}

// WaitFence implements gpucore.FenceDevice. A reset fence that was never
// submitted cannot signal; it reports false at once.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	if err := d.check("wait fence"); err != nil {
		return false, err
	}
	signaled, at, err := d.fenceCheckpoint(id)
	if err != nil || signaled {
		return signaled, err
	}
	if at.f == nil {
		return false, nil
	}
	ok, err := d.dev.Wait(at.f, at.value, timeout)
	if err != nil {
		return false, d.wrap("wait fence", err)
	}
	if ok {
		d.markFenceSignaled(id, at)
	}
	return ok, nil
}

// ResetFence implements gpucore.FenceDevice.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	if err := d.check("reset fence"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("native: fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	f.signaled = false
	f.at = checkpoint{}
	return nil
}

// CreateSemaphore implements gpucore.FenceDevice.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	if err := d.check("create semaphore"); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.SemaphoreID(d.newID())
	d.mu.Lock()
	d.semaphores[id] = struct{}{}
	d.mu.Unlock()
	return id, nil
}

// DestroySemaphore implements gpucore.FenceDevice.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// === gpucore.TimelineDevice ===

// CreateTimeline implements gpucore.TimelineDevice. Values up to initial
// count as reached.
func (d *Device) CreateTimeline(initial uint64) (gpucore.TimelineID, error) {
	if err := d.check("create timeline"); err != nil {
		return gpucore.InvalidID, err
	}
	f, err := d.dev.CreateFence()
	if err != nil {
		return gpucore.InvalidID, d.wrap("create timeline", err)
	}
	id := gpucore.TimelineID(d.newID())
	d.mu.Lock()
	d.timelines[id] = &timeline{f: f, completed: initial, last: initial}
	d.mu.Unlock()
	return id, nil
}

// DestroyTimeline implements gpucore.TimelineDevice.
func (d *Device) DestroyTimeline(id gpucore.TimelineID) {
	d.mu.Lock()
	tl, ok := d.timelines[id]
	delete(d.timelines, id)
	d.mu.Unlock()
	if ok {
		d.dev.DestroyFence(tl.f)
	}
}

// TimelineValue implements gpucore.TimelineDevice.
func (d *Device) TimelineValue(id gpucore.TimelineID) (uint64, error) {
	if err := d.check("timeline value"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tl, ok := d.timelines[id]
	if !ok {
		return 0, fmt.Errorf("native: timeline %d: %w", id, gpucore.ErrSemaphoreInvalid)
	}
	for len(tl.pending) > 0 {
		reached, err := d.dev.Wait(tl.f, tl.pending[0], 0)
		if err != nil {
			return tl.completed, d.wrap("timeline value", err)
		}
		if !reached {
			break
		}
		tl.completed = tl.pending[0]
		tl.pending = tl.pending[1:]
	}
	return tl.completed, nil
}

// WaitTimeline implements gpucore.TimelineDevice.
func (d *Device) WaitTimeline(id gpucore.TimelineID, value uint64, timeout time.Duration) (bool, error) {
	if err := d.check("wait timeline"); err != nil {
		return false, err
	}
	d.mu.Lock()
	tl, ok := d.timelines[id]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("native: timeline %d: %w", id, gpucore.ErrSemaphoreInvalid)
	}
	if value <= tl.completed {
		d.mu.Unlock()
		return true, nil
	}
	f := tl.f
	d.mu.Unlock()

	reached, err := d.dev.Wait(f, value, timeout)
	if err != nil {
		return false, d.wrap("wait timeline", err)
	}
	if reached {
		d.mu.Lock()
		if tl.completed < value {
			tl.completed = value
		}
		for len(tl.pending) > 0 && tl.pending[0] <= value {
			tl.pending = tl.pending[1:]
		}
		d.mu.Unlock()
	}
	return reached, nil
}

// === gpucore.CommandDevice ===

type encoder struct {
	d   *Device
	cmd *command
}

// CopyBufferToBuffer implements gpucore.CommandEncoder. Unknown buffers
// fail the command buffer at EndCommands.
func (e *encoder) CopyBufferToBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	e.d.mu.Lock()
	s, okSrc := e.d.buffers[src]
	t, okDst := e.d.buffers[dst]
	e.d.mu.Unlock()
	if !okSrc || !okDst {
		if e.cmd.err == nil {
			e.cmd.err = fmt.Errorf("native: copy %d -> %d: %w", src, dst, gpucore.ErrUnknownResource)
		}
		return
	}
	hr := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		hr[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	e.cmd.enc.CopyBufferToBuffer(s, t, hr)
}

// BeginCommands implements gpucore.CommandDevice.
func (d *Device) BeginCommands(label string) (gpucore.CommandBufferID, gpucore.CommandEncoder, error) {
	if err := d.check("begin commands"); err != nil {
		return gpucore.InvalidID, nil, err
	}
	enc, err := d.dev.CreateCommandEncoder(label)
	if err != nil {
		return gpucore.InvalidID, nil, d.wrap("create command encoder", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return gpucore.InvalidID, nil, d.wrap("begin encoding", err)
	}
	cmd := &command{label: label, enc: enc}
	id := gpucore.CommandBufferID(d.newID())
	d.mu.Lock()
	d.cmds[id] = cmd
	d.mu.Unlock()
	return id, &encoder{d: d, cmd: cmd}, nil
}

// EndCommands implements gpucore.CommandDevice.
func (d *Device) EndCommands(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	cmd, ok := d.cmds[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: command buffer %d: %w", id, gpucore.ErrUnknownResource)
	}
	if cmd.err != nil {
		return cmd.err
	}
	buf, err := cmd.enc.EndEncoding()
	if err != nil {
		return d.wrap("end encoding", err)
	}
	d.mu.Lock()
	cmd.buf = buf
	d.mu.Unlock()
	return nil
}

// FreeCommandBuffer implements gpucore.CommandDevice.
func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	cmd, ok := d.cmds[id]
	delete(d.cmds, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if cmd.buf != nil {
		d.dev.FreeCommandBuffer(cmd.buf)
	} else {
		cmd.enc.DiscardEncoding()
	}
}

// Submit implements gpucore.CommandDevice. The HAL queue signals a single
// fence per submission: the timeline when one is given, otherwise an
// internal queue fence. A frame fence completes with that signal.
func (d *Device) Submit(info *gpucore.SubmitInfo) error {
	if err := d.check("submit"); err != nil {
		return err
	}
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	d.mu.Lock()
	bufs := make([]hal.CommandBuffer, 0, len(info.CommandBuffers))
	for _, id := range info.CommandBuffers {
		cmd, ok := d.cmds[id]
		if !ok || cmd.buf == nil {
			d.mu.Unlock()
			return fmt.Errorf("native: submit command buffer %d: %w", id, gpucore.ErrUnknownResource)
		}
		bufs = append(bufs, cmd.buf)
	}
	for _, ids := range [][]gpucore.SemaphoreID{info.WaitSemaphores, info.SignalSemaphores} {
		for _, id := range ids {
			if _, ok := d.semaphores[id]; !ok {
				d.mu.Unlock()
				return fmt.Errorf("native: submit semaphore %d: %w", id, gpucore.ErrUnknownResource)
			}
		}
	}
	var fc *fence
	if info.Fence != gpucore.InvalidID {
		var ok bool
		if fc, ok = d.fences[info.Fence]; !ok {
			d.mu.Unlock()
			return fmt.Errorf("native: submit fence %d: %w", info.Fence, gpucore.ErrUnknownResource)
		}
	}
	var (
		tl *timeline
		at checkpoint
	)
	if info.Timeline != gpucore.InvalidID {
		var ok bool
		if tl, ok = d.timelines[info.Timeline]; !ok {
			d.mu.Unlock()
			return fmt.Errorf("native: submit timeline %d: %w", info.Timeline, gpucore.ErrSemaphoreInvalid)
		}
		if info.TimelineValue <= tl.last {
			d.mu.Unlock()
			return fmt.Errorf("native: submit timeline value %d after %d: %w", info.TimelineValue, tl.last, gpucore.ErrInvalidValue)
		}
		at = checkpoint{f: tl.f, value: info.TimelineValue}
	} else {
		if d.queueFence == nil {
			qf, err := d.dev.CreateFence()
			if err != nil {
				d.mu.Unlock()
				return d.wrap("create queue fence", err)
			}
			d.queueFence = qf
		}
		at = checkpoint{f: d.queueFence, value: d.queueValue + 1}
	}
	d.mu.Unlock()

	if err := d.queue.Submit(bufs, at.f, at.value); err != nil {
		return d.wrap("submit", err)
	}

	d.mu.Lock()
	if tl != nil {
		tl.last = at.value
		tl.pending = append(tl.pending, at.value)
	} else {
		d.queueValue = at.value
	}
	if fc != nil {
		fc.signaled = false
		fc.at = at
	}
	d.mu.Unlock()
	return nil
}

// === gpucore.BufferDevice ===

// CreateBuffer implements gpucore.BufferDevice.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if err := d.check("create buffer"); err != nil {
		return gpucore.InvalidID, err
	}
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q: size must be positive", desc.Label)
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: convertBufferUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, d.wrap("create buffer", err)
	}
	id := gpucore.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = buf
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer implements gpucore.BufferDevice.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	buf, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.dev.DestroyBuffer(buf)
	}
}

// WriteBuffer implements gpucore.BufferDevice.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	if err := d.check("write buffer"); err != nil {
		return err
	}
	d.mu.Lock()
	buf, ok := d.buffers[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: buffer %d: %w", id, gpucore.ErrUnknownResource)
	}
	if len(data) == 0 {
		return nil
	}
	return d.wrap("write buffer", d.queue.WriteBuffer(buf, offset, data))
}

// === gpucore.Device ===

// WaitIdle implements gpucore.Device.
func (d *Device) WaitIdle(timeout time.Duration) error {
	if err := d.check("wait idle"); err != nil {
		return err
	}
	d.mu.Lock()
	points := make([]checkpoint, 0, len(d.timelines)+1)
	if d.queueFence != nil && d.queueValue > 0 {
		points = append(points, checkpoint{f: d.queueFence, value: d.queueValue})
	}
	for _, tl := range d.timelines {
		if len(tl.pending) > 0 {
			points = append(points, checkpoint{f: tl.f, value: tl.last})
		}
	}
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, p := range points {
		remaining := max(time.Until(deadline), 0)
		ok, err := d.dev.Wait(p.f, p.value, remaining)
		if err != nil {
			return d.wrap("wait idle", err)
		}
		if !ok {
			return fmt.Errorf("native: wait idle after %v: %w", timeout, gpucore.ErrTimeout)
		}
	}
	return nil
}

// Destroy implements gpucore.Device. HAL objects created by the backend
// are released; the HAL device itself only when the backend opened it.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	bufs := make([]hal.Buffer, 0, len(d.buffers))
	for _, b := range d.buffers {
		bufs = append(bufs, b)
	}
	fences := make([]hal.Fence, 0, len(d.timelines)+1)
	for _, tl := range d.timelines {
		fences = append(fences, tl.f)
	}
	if d.queueFence != nil {
		fences = append(fences, d.queueFence)
	}
	cmds := make([]*command, 0, len(d.cmds))
	for _, c := range d.cmds {
		cmds = append(cmds, c)
	}
	clear(d.buffers)
	clear(d.timelines)
	clear(d.cmds)
	clear(d.fences)
	clear(d.semaphores)
	d.queueFence = nil
	d.mu.Unlock()

	for _, c := range cmds {
		if c.buf != nil {
			d.dev.FreeCommandBuffer(c.buf)
		}
	}
	for _, b := range bufs {
		d.dev.DestroyBuffer(b)
	}
	for _, f := range fences {
		d.dev.DestroyFence(f)
	}
	if d.owned {
		d.dev.Destroy()
		if d.closer != nil {
			d.closer()
		}
	}
	logging.Logger().Debug("native: device destroyed", "owned", d.owned)
}

// convertBufferUsage converts gpucore buffer usage flags to HAL flags.
func convertBufferUsage(usage gpucore.BufferUsage) gputypes.BufferUsage {
	var result gputypes.BufferUsage

	if usage&gpucore.BufferUsageMapRead != 0 {
		result |= gputypes.BufferUsageMapRead
	}
	if usage&gpucore.BufferUsageMapWrite != 0 {
		result |= gputypes.BufferUsageMapWrite
	}
	if usage&gpucore.BufferUsageCopySrc != 0 {
		result |= gputypes.BufferUsageCopySrc
	}
	if usage&gpucore.BufferUsageCopyDst != 0 {
		result |= gputypes.BufferUsageCopyDst
	}
	if usage&gpucore.BufferUsageIndex != 0 {
		result |= gputypes.BufferUsageIndex
	}
	if usage&gpucore.BufferUsageVertex != 0 {
		result |= gputypes.BufferUsageVertex
	}
	if usage&gpucore.BufferUsageUniform != 0 {
		result |= gputypes.BufferUsageUniform
	}
	if usage&gpucore.BufferUsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}

	return result
}
