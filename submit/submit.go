// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package submit runs one-off command buffers to completion outside the
// frame loop.
//
// A Submitter records caller work into a transient command buffer, submits
// it signaling a fresh timeline value and waits for that value. The command
// buffer is freed only after the wait confirmed completion. When submission
// or the wait fails the buffer is leaked on purpose: freeing memory the GPU
// may still execute is undefined behavior, a leak is not.
package submit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
	"github.com/gogpu/framesync/internal/metrics"
	"github.com/gogpu/framesync/timeline"
)

// DefaultTimeout bounds the completion wait.
const DefaultTimeout = 10 * time.Second

// ErrNoRecorder is returned when Submit is called with a nil RecordFunc.
var ErrNoRecorder = errors.New("submit: nil record function")

// Outcome is what happened to the transient command buffer.
type Outcome int

// Outcomes.
const (
	// OutcomeFreed means the work completed and the buffer was freed.
	OutcomeFreed Outcome = iota

	// OutcomeLeaked means the work may still be executing; the buffer was
	// kept alive and Result.Reason says why.
	OutcomeLeaked

	// OutcomeError means nothing was submitted and the buffer, if any,
	// was freed.
	OutcomeError
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeFreed:
		return "Freed"
	case OutcomeLeaked:
		return "Leaked"
	default:
		return "Error"
	}
}

// Result describes one Submit call.
type Result struct {
	Outcome Outcome
	// Value is the signaled timeline value (0 if none was allocated).
	Value  uint64
	Reason string
	Err    error
}

// RecordFunc records work into enc.
type RecordFunc func(enc gpucore.CommandEncoder) error

// Signaler allocates, signals and waits timeline values.
// *timeline.Allocator implements it.
type Signaler interface {
	Signal(fn func(id gpucore.TimelineID, value uint64) error) (uint64, error)
	Wait(value uint64, timeout time.Duration) (timeline.WaitStatus, error)
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithTimeout bounds the completion wait. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics routes outcomes to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(s *Submitter) { s.metrics = c }
}

// Submitter runs immediate submissions. It is safe for concurrent use.
type Submitter struct {
	dev     gpucore.CommandDevice
	tl      Signaler
	timeout time.Duration
	metrics *metrics.Collectors

	mu     sync.Mutex
	leaked []leakedBuffer
}

type leakedBuffer struct {
	dev gpucore.CommandDevice
	id  gpucore.CommandBufferID
}

// New creates a Submitter for dev signaling on tl.
func New(dev gpucore.CommandDevice, tl Signaler, opts ...Option) *Submitter {
	s := &Submitter{dev: dev, tl: tl, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rebind points the Submitter at a recreated device. Submissions already
// running finish against the device they started on.
func (s *Submitter) Rebind(dev gpucore.CommandDevice) {
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
}

func (s *Submitter) device() gpucore.CommandDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Submit records, submits and waits. A nil error means OutcomeFreed.
func (s *Submitter) Submit(label string, record RecordFunc) (Result, error) {
	if record == nil {
		return s.finish(label, Result{Outcome: OutcomeError, Err: ErrNoRecorder})
	}
	dev := s.device()
	id, enc, err := dev.BeginCommands(label)
	if err != nil {
		return s.finish(label, Result{Outcome: OutcomeError, Err: fmt.Errorf("submit %q: begin: %w", label, err)})
	}
	if err := record(enc); err != nil {
		dev.FreeCommandBuffer(id)
		return s.finish(label, Result{Outcome: OutcomeError, Err: fmt.Errorf("submit %q: record: %w", label, err)})
	}
	if err := dev.EndCommands(id); err != nil {
		dev.FreeCommandBuffer(id)
		return s.finish(label, Result{Outcome: OutcomeError, Err: fmt.Errorf("submit %q: end: %w", label, err)})
	}

	submitted := false
	value, err := s.tl.Signal(func(tl gpucore.TimelineID, v uint64) error {
		submitted = true
		return dev.Submit(&gpucore.SubmitInfo{
			Label:          label,
			CommandBuffers: []gpucore.CommandBufferID{id},
			Timeline:       tl,
			TimelineValue:  v,
		})
	})
	if err != nil {
		if !submitted {
			dev.FreeCommandBuffer(id)
			return s.finish(label, Result{Outcome: OutcomeError, Err: fmt.Errorf("submit %q: allocate value: %w", label, err)})
		}
		return s.leak(dev, id, label, Result{Value: value, Reason: "submission failed", Err: fmt.Errorf("submit %q: %w", label, err)})
	}

	status, err := s.tl.Wait(value, s.timeout)
	if status != timeline.WaitReached {
		return s.leak(dev, id, label, Result{Value: value, Reason: waitReason(status), Err: fmt.Errorf("submit %q: %w", label, err)})
	}
	dev.FreeCommandBuffer(id)
	return s.finish(label, Result{Outcome: OutcomeFreed, Value: value})
}

func waitReason(status timeline.WaitStatus) string {
	switch status {
	case timeline.WaitTimeout:
		return "wait timed out"
	case timeline.WaitDeviceLost:
		return "device lost during wait"
	default:
		return "wait failed"
	}
}

func (s *Submitter) leak(dev gpucore.CommandDevice, id gpucore.CommandBufferID, label string, r Result) (Result, error) {
	r.Outcome = OutcomeLeaked
	s.mu.Lock()
	s.leaked = append(s.leaked, leakedBuffer{dev: dev, id: id})
	s.mu.Unlock()
	logging.Logger().Warn("submit: leaking command buffer that may still be executing",
		"label", label, "value", r.Value, "reason", r.Reason, "err", r.Err)
	return s.finish(label, r)
}

func (s *Submitter) finish(label string, r Result) (Result, error) {
	s.metrics.ImmediateSubmit(strings.ToLower(r.Outcome.String()))
	if r.Outcome == OutcomeError {
		logging.Logger().Debug("submit: not submitted", "label", label, "err", r.Err)
	}
	return r, r.Err
}

// Leaked returns how many command buffers are currently held back.
func (s *Submitter) Leaked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leaked)
}

// ReleaseLeaked frees every leaked command buffer on the device it was
// allocated from. The caller guarantees they are no longer executing, e.g.
// after a successful device idle wait or when the device is being torn
// down.
func (s *Submitter) ReleaseLeaked() int {
	s.mu.Lock()
	ids := s.leaked
	s.leaked = nil
	s.mu.Unlock()
	for _, l := range ids {
		l.dev.FreeCommandBuffer(l.id)
	}
	return len(ids)
}
