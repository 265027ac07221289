// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framesync/cleanup"
	"github.com/gogpu/framesync/frame"
	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/metrics"
	"github.com/gogpu/framesync/recovery"
	"github.com/gogpu/framesync/submit"
	"github.com/gogpu/framesync/timeline"
	"github.com/gogpu/framesync/upload"
)

// Names of the recovery stages the Manager contributes to the plan.
const (
	StageDevice   = "device"
	StageTimeline = "timeline"
	StageFrames   = "frames"
)

// Frame is the render loop's handle on the frame in flight.
type Frame struct {
	Index          int
	Fence          gpucore.FenceID
	ImageAcquired  gpucore.SemaphoreID
	RenderFinished gpucore.SemaphoreID
	Labels         frame.Labels
}

// FrameSubmit describes the work submitted for a frame.
type FrameSubmit struct {
	CommandBuffers []gpucore.CommandBufferID

	// Present makes the submission wait on ImageAcquired and signal
	// RenderFinished, for frames that acquired a swapchain image.
	Present bool
}

// Manager ties the timeline allocator, frame pacer, immediate submitter,
// uploader, cleanup scheduler and recovery orchestrator to one device.
//
// Frame calls (BeginFrame, WaitForFrame, ResetFrameFence, SubmitFrame,
// AdvanceFrame, DeferDestroy) belong to the render thread. Timeline,
// immediate-submit and upload calls are safe from any goroutine. Device
// loss seen by a background call only marks the device lost; the render
// thread runs recovery at its next frame call.
type Manager struct {
	opts    options
	metrics *metrics.Collectors
	alloc   *timeline.Allocator
	sub     *submit.Submitter
	up      *upload.Uploader
	sched   *cleanup.Scheduler
	orch    *recovery.Orchestrator

	// mu guards the device-bound render components. Recovery stages take
	// it exclusively while swapping them.
	mu      sync.RWMutex
	dev     gpucore.Device
	ownsDev bool
	pacer   *frame.Pacer

	timeouts atomic.Int32
	closed   atomic.Bool
}

// New creates a Manager for dev. The queue is part of gpucore.Device.
func New(dev gpucore.Device, opts ...Option) (*Manager, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidOption)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	m := &Manager{opts: o, dev: dev}
	plan, err := recovery.NewPlan(append(m.builtinStages(), o.stages...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOption, err)
	}
	m.metrics, err = metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("framesync: %w", err)
	}

	m.alloc, err = timeline.New(dev,
		timeline.WithHeadroom(o.headroom),
		timeline.WithDrainTimeout(o.drainTimeout),
		timeline.WithMetrics(m.metrics))
	if err != nil {
		return nil, fmt.Errorf("framesync: %w", err)
	}
	m.pacer, err = frame.New(dev, m.alloc, o.framesInFlight, frame.WithMetrics(m.metrics))
	if err != nil {
		m.alloc.Close()
		return nil, fmt.Errorf("framesync: %w", err)
	}
	m.sub = submit.New(dev, m.alloc, submit.WithTimeout(o.submitTimeout), submit.WithMetrics(m.metrics))
	upOpts := []upload.Option{upload.WithWorkers(o.uploadWorkers), upload.WithMetrics(m.metrics)}
	if o.uploadConcurrency > 0 {
		upOpts = append(upOpts, upload.WithConcurrency(o.uploadConcurrency))
	}
	m.up = upload.New(dev, m.sub, upOpts...)
	m.sched = cleanup.New(o.framesInFlight)

	orchOpts := []recovery.Option{
		recovery.WithMaxAttempts(o.maxAttempts),
		recovery.WithIdleWait(m.idleWait),
		recovery.WithMetrics(m.metrics),
		recovery.WithBackoff(o.backoff),
		recovery.WithTracerProvider(o.tracerProvider),
	}
	if o.snapshotter != nil {
		orchOpts = append(orchOpts, recovery.WithSnapshotter(o.snapshotter))
	}
	if o.observer != nil {
		orchOpts = append(orchOpts, recovery.WithObserver(o.observer))
	}
	m.orch, err = recovery.New(plan, orchOpts...)
	if err != nil {
		m.pacer.Destroy()
		m.alloc.Close()
		return nil, fmt.Errorf("framesync: %w", err)
	}

	Logger().Info("framesync: manager ready",
		"frames_in_flight", o.framesInFlight, "stages", plan.Names())
	return m, nil
}

// === frame loop (render thread) ===

// BeginFrame waits for the current slot, retires its cleanup list and
// resets its fence. While the device is lost or recovering it returns
// ErrFrameSkipped without blocking, recovering first when a retry is due.
func (m *Manager) BeginFrame() (Frame, error) {
	if m.closed.Load() {
		return Frame{}, ErrClosed
	}
	if m.orch.IsLost() {
		if !m.orch.Recovering() && m.orch.Due(time.Now()) {
			m.recover(context.Background(), nil)
		}
		return Frame{}, m.skip(gpucore.ErrDeviceLost)
	}

	status, err := m.WaitForFrame(m.opts.frameTimeout)
	if status != frame.StatusReady {
		return Frame{}, m.skip(err)
	}
	if err := m.ResetFrameFence(); err != nil {
		return Frame{}, m.skip(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pacer == nil {
		return Frame{}, m.skip(gpucore.ErrDeviceLost)
	}
	s, err := m.pacer.Slot(m.pacer.Current())
	if err != nil {
		return Frame{}, m.skip(err)
	}
	return Frame{
		Index:          s.Index,
		Fence:          s.Fence,
		ImageAcquired:  s.ImageAcquired,
		RenderFinished: s.RenderFinished,
		Labels:         s.Labels,
	}, nil
}

func (m *Manager) skip(cause error) error {
	m.metrics.FrameSkipped()
	Logger().Debug("framesync: frame skipped", "err", cause)
	return fmt.Errorf("%w: %w", ErrFrameSkipped, cause)
}

// SubmitFrame submits the frame's work guarded by the slot fence and a
// fresh timeline value, then advances to the next slot. It returns the
// signaled value.
func (m *Manager) SubmitFrame(f Frame, s FrameSubmit) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if m.orch.IsLost() {
		return 0, m.skip(gpucore.ErrDeviceLost)
	}

	m.mu.RLock()
	value, err := m.submitFrameLocked(f, s)
	m.mu.RUnlock()
	m.routeLoss(err, true)
	return value, err
}

func (m *Manager) submitFrameLocked(f Frame, s FrameSubmit) (uint64, error) {
	if m.pacer == nil {
		return 0, fmt.Errorf("framesync: submit frame: %w", gpucore.ErrDeviceLost)
	}
	if f.Fence == gpucore.InvalidID || f.Index != m.pacer.Current() {
		return 0, ErrNoFrame
	}
	info := gpucore.SubmitInfo{
		Label:          fmt.Sprintf("frame %d", m.pacer.Frames()),
		CommandBuffers: s.CommandBuffers,
		Fence:          f.Fence,
	}
	if s.Present {
		info.WaitSemaphores = []gpucore.SemaphoreID{f.ImageAcquired}
		info.SignalSemaphores = []gpucore.SemaphoreID{f.RenderFinished}
	}
	value, err := m.alloc.Signal(func(id gpucore.TimelineID, v uint64) error {
		info.Timeline, info.TimelineValue = id, v
		return m.dev.Submit(&info)
	})
	if err != nil {
		return 0, fmt.Errorf("framesync: submit frame: %w", err)
	}
	if err := m.pacer.MarkSubmitted(f.Index); err != nil {
		return value, err
	}
	if _, err := m.pacer.Advance(); err != nil {
		return value, fmt.Errorf("framesync: advance: %w", err)
	}
	return value, nil
}

// WaitForFrame waits for the current slot's fence. On StatusReady the
// slot's deferred destroyers run. Device loss, and timeout escalation past
// the configured count, route into recovery.
func (m *Manager) WaitForFrame(timeout time.Duration) (frame.Status, error) {
	if m.closed.Load() {
		return frame.StatusError, ErrClosed
	}
	m.mu.RLock()
	status, err := m.waitLocked(timeout)
	m.mu.RUnlock()
	m.routeLoss(err, true)
	return status, err
}

func (m *Manager) waitLocked(timeout time.Duration) (frame.Status, error) {
	if m.pacer == nil {
		return frame.StatusDeviceLost, fmt.Errorf("framesync: wait for frame: %w", gpucore.ErrDeviceLost)
	}
	i := m.pacer.Current()
	status, err := m.pacer.Wait(i, timeout)
	switch status {
	case frame.StatusReady:
		m.timeouts.Store(0)
		m.sched.Retire(i)
	case frame.StatusTimeout:
		n := m.timeouts.Add(1)
		if esc := m.opts.timeoutEscalation; esc > 0 && int(n) >= esc {
			m.timeouts.Store(0)
			Logger().Warn("framesync: frame waits keep timing out, treating device as lost", "timeouts", n)
			return frame.StatusDeviceLost, fmt.Errorf("%w: %d consecutive frame wait timeouts: %w", gpucore.ErrDeviceLost, n, err)
		}
	}
	return status, err
}

// ResetFrameFence resets the current slot's fence. It fails unless the
// latest WaitForFrame returned StatusReady.
func (m *Manager) ResetFrameFence() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.RLock()
	var err error
	if m.pacer == nil {
		err = fmt.Errorf("framesync: reset fence: %w", gpucore.ErrDeviceLost)
	} else {
		err = m.pacer.ResetFence(m.pacer.Current())
	}
	m.mu.RUnlock()
	m.routeLoss(err, true)
	return err
}

// AdvanceFrame moves to the next slot and returns its timeline labels.
// SubmitFrame advances on its own; call this when a frame is dropped
// after BeginFrame.
func (m *Manager) AdvanceFrame() (frame.Labels, error) {
	if m.closed.Load() {
		return frame.Labels{}, ErrClosed
	}
	m.mu.RLock()
	var (
		labels frame.Labels
		err    error
	)
	if m.pacer == nil {
		err = fmt.Errorf("framesync: advance: %w", gpucore.ErrDeviceLost)
	} else {
		labels, err = m.pacer.Advance()
	}
	m.mu.RUnlock()
	m.routeLoss(err, true)
	return labels, err
}

// FrameIndex returns the current slot index, or -1 while the frame slots
// are torn down.
func (m *Manager) FrameIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pacer == nil {
		return -1
	}
	return m.pacer.Current()
}

// DeferDestroy queues d until f's slot is next observed complete. It may be
// called before or after f is submitted.
func (m *Manager) DeferDestroy(f Frame, d cleanup.Destroyer) error {
	if f.Fence == gpucore.InvalidID {
		return ErrNoFrame
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pacer == nil {
		// No slot to key on: the device is gone, destroy now.
		if d != nil {
			d.Destroy()
		}
		return nil
	}
	return m.sched.Defer(f.Index, d)
}

// === timeline, immediate submission and uploads (any goroutine) ===

// NextTimelineValue returns a fresh timeline value to signal.
func (m *Manager) NextTimelineValue() (uint64, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	v, err := m.alloc.Next()
	m.routeLoss(err, false)
	return v, err
}

// WaitTimeline waits until the timeline reaches value.
func (m *Manager) WaitTimeline(value uint64, timeout time.Duration) (timeline.WaitStatus, error) {
	if err := m.usable(); err != nil {
		return timeline.WaitDeviceLost, err
	}
	status, err := m.alloc.Wait(value, timeout)
	m.routeLoss(err, false)
	return status, err
}

// ImmediateSubmit records and submits one-off work and waits for it.
func (m *Manager) ImmediateSubmit(label string, record submit.RecordFunc) (submit.Result, error) {
	if err := m.usable(); err != nil {
		return submit.Result{Outcome: submit.OutcomeError, Err: err}, err
	}
	r, err := m.sub.Submit(label, record)
	m.routeLoss(err, false)
	return r, err
}

// Upload copies req.Data into a GPU buffer and waits for the copy.
func (m *Manager) Upload(req upload.Request) (upload.Handle, error) {
	if err := m.usable(); err != nil {
		return upload.Handle{}, err
	}
	h, err := m.up.Upload(req)
	m.routeLoss(err, false)
	return h, err
}

// UploadAsync queues req on a background worker. done, if not nil, runs
// on the worker.
func (m *Manager) UploadAsync(ctx context.Context, req upload.Request, done func(upload.Handle, error)) error {
	if err := m.usable(); err != nil {
		return err
	}
	return m.up.UploadAsync(ctx, req, func(h upload.Handle, err error) {
		m.routeLoss(err, false)
		if done != nil {
			done(h, err)
		}
	})
}

// UploadAll runs reqs concurrently and returns handles in request order.
func (m *Manager) UploadAll(ctx context.Context, reqs []upload.Request) ([]upload.Handle, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	hs, err := m.up.UploadAll(ctx, reqs)
	m.routeLoss(err, false)
	return hs, err
}

// WaitUploads blocks until queued async uploads have finished.
func (m *Manager) WaitUploads() { m.up.Wait() }

func (m *Manager) usable() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.orch.IsLost() {
		return fmt.Errorf("framesync: %w", gpucore.ErrDeviceLost)
	}
	return nil
}

// === device loss ===

// SetDeviceLossCallbacks registers callbacks for recovery start and end.
// Either may be nil. It replaces any observer.
func (m *Manager) SetDeviceLossCallbacks(onLost func(recovery.LossEvent), onComplete func(recovery.CompletionEvent)) {
	m.orch.SetObserver(recovery.ObserverFuncs{OnDeviceLost: onLost, OnRecoveryComplete: onComplete})
}

// SetDeviceLossObserver replaces the recovery observer.
func (m *Manager) SetDeviceLossObserver(obs recovery.Observer) {
	m.orch.SetObserver(obs)
}

// IsDeviceLost reports whether the device is lost, recovering or failed.
func (m *Manager) IsDeviceLost() bool { return m.orch.IsLost() }

// RecoveryState returns the orchestrator state.
func (m *Manager) RecoveryState() recovery.State { return m.orch.State() }

// RecoveryStats returns the attempts used and the attempt budget.
func (m *Manager) RecoveryStats() (attempts, maxAttempts int) { return m.orch.Attempts() }

// LastRecovery returns the report of the latest finished attempt.
func (m *Manager) LastRecovery() recovery.Report { return m.orch.LastReport() }

// Recover runs a recovery attempt now, ignoring retry pacing.
func (m *Manager) Recover(ctx context.Context) (recovery.Report, error) {
	if m.closed.Load() {
		return recovery.Report{}, ErrClosed
	}
	return m.recover(ctx, nil)
}

// ResetRecovery re-arms the attempt budget after exhaustion.
func (m *Manager) ResetRecovery() { m.orch.ResetAttempts() }

// Device returns the current device. It changes after a recovery that
// used the device factory.
func (m *Manager) Device() gpucore.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dev
}

// routeLoss marks the device lost when err carries device loss. On the
// render thread it also runs a due recovery attempt.
func (m *Manager) routeLoss(err error, render bool) {
	if !gpucore.IsDeviceLost(err) || m.closed.Load() {
		return
	}
	m.orch.MarkLost(err)
	if render && m.orch.Due(time.Now()) {
		m.recover(context.Background(), err)
	}
}

func (m *Manager) recover(ctx context.Context, cause error) (recovery.Report, error) {
	r, err := m.orch.Recover(ctx, cause)
	switch {
	case errors.Is(err, recovery.ErrInProgress):
		Logger().Debug("framesync: recovery already running")
	case errors.Is(err, recovery.ErrExhausted):
		Logger().Debug("framesync: recovery attempts exhausted")
	case err == nil:
		m.timeouts.Store(0)
	}
	return r, err
}

func (m *Manager) idleWait(context.Context) error {
	dev := m.Device()
	if dev == nil {
		return nil
	}
	return dev.WaitIdle(m.opts.drainTimeout)
}

// === recovery stages ===

func (m *Manager) builtinStages() []recovery.Stage {
	return []recovery.Stage{
		{
			Name:      StageDevice,
			Phase:     recovery.PhaseDevice,
			Essential: true,
			Teardown:  m.teardownDevice,
			Recreate:  m.recreateDevice,
		},
		{
			Name:      StageTimeline,
			Phase:     recovery.PhaseCommands,
			Essential: true,
			Teardown:  m.teardownTimeline,
			Recreate:  m.recreateTimeline,
		},
		{
			Name:      StageFrames,
			Phase:     recovery.PhaseCommands,
			Essential: true,
			Teardown:  m.teardownFrames,
			Recreate:  m.recreateFrames,
		},
	}
}

func (m *Manager) teardownDevice(context.Context) error {
	if m.opts.factory == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil && m.ownsDev {
		m.dev.Destroy()
	}
	m.dev = nil
	return nil
}

func (m *Manager) recreateDevice(ctx context.Context) error {
	if m.opts.factory == nil {
		return nil
	}
	dev, err := m.opts.factory(ctx)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	if dev == nil {
		return errors.New("create device: factory returned nil")
	}
	m.mu.Lock()
	m.dev, m.ownsDev = dev, true
	m.mu.Unlock()
	Logger().Info("framesync: device recreated")
	return nil
}

func (m *Manager) teardownTimeline(context.Context) error {
	m.alloc.Close()
	return nil
}

func (m *Manager) recreateTimeline(context.Context) error {
	dev := m.Device()
	if dev == nil {
		return fmt.Errorf("recreate timeline: %w", gpucore.ErrDeviceLost)
	}
	return m.alloc.Rebind(dev)
}

func (m *Manager) teardownFrames(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched.Drain()
	if n := m.sub.ReleaseLeaked(); n > 0 {
		Logger().Info("framesync: released leaked command buffers", "count", n)
	}
	m.up.ReleaseLeaked()
	if m.pacer != nil {
		m.pacer.Destroy()
		m.pacer = nil
	}
	return nil
}

func (m *Manager) recreateFrames(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return fmt.Errorf("recreate frames: %w", gpucore.ErrDeviceLost)
	}
	p, err := frame.New(m.dev, m.alloc, m.opts.framesInFlight, frame.WithMetrics(m.metrics))
	if err != nil {
		return err
	}
	m.pacer = p
	m.sub.Rebind(m.dev)
	m.up.Rebind(m.dev, m.sub)
	m.timeouts.Store(0)
	return nil
}

// Close waits for the device to go idle, runs every deferred destroyer and
// releases the sync objects. Devices created by the factory are destroyed.
// Close is idempotent.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.up.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	var idleErr error
	if m.dev != nil && !m.orch.IsLost() {
		if idleErr = m.dev.WaitIdle(m.opts.drainTimeout); idleErr != nil {
			Logger().Warn("framesync: device not idle at close", "err", idleErr)
		}
	}
	m.sched.Drain()
	if idleErr == nil {
		m.sub.ReleaseLeaked()
		m.up.ReleaseLeaked()
	}
	if m.pacer != nil {
		m.pacer.Destroy()
		m.pacer = nil
	}
	m.alloc.Close()
	if m.dev != nil && m.ownsDev {
		m.dev.Destroy()
	}
	if idleErr != nil {
		return fmt.Errorf("framesync: close: %w", idleErr)
	}
	return nil
}
