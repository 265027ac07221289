// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
	"github.com/gogpu/framesync/internal/metrics"
)

// DefaultMaxAttempts is the default attempt budget.
const DefaultMaxAttempts = 3

// RestoreStage is the failure point reported when reloading the scene
// snapshot fails.
const RestoreStage = "scene-restore"

// IdleStage is the failure point reported when the device is not lost but
// did not go idle. Nothing is torn down in that case: GPU objects still
// referenced by pending work are kept alive for a later attempt.
const IdleStage = "device-idle"

const tracerName = "github.com/gogpu/framesync/recovery"

// Orchestrator errors.
var (
	// ErrInProgress is returned when an attempt is already running.
	ErrInProgress = errors.New("recovery: attempt already in progress")

	// ErrExhausted is returned once the attempt budget is used up.
	ErrExhausted = errors.New("recovery: attempts exhausted")

	// ErrFailed wraps the cause of a failed attempt.
	ErrFailed = errors.New("recovery: attempt failed")

	// ErrInvalidMaxAttempts is returned by New for a budget below 1.
	ErrInvalidMaxAttempts = errors.New("recovery: max attempts must be at least 1")
)

// State is the orchestrator's recovery state.
type State int

// Recovery states.
const (
	Healthy State = iota
	DeviceLost
	Recovering
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case DeviceLost:
		return "DeviceLost"
	case Recovering:
		return "Recovering"
	default:
		return "Failed"
	}
}

// Report describes one attempt.
type Report struct {
	AttemptID   uuid.UUID
	Attempt     int
	MaxAttempts int
	Success     bool
	// FailedStage names the failure point, empty on success.
	FailedStage string
	// Recreated lists the stages that are up after the attempt.
	Recreated    []string
	FallbackUsed bool
	FallbackOK   bool
	Duration     time.Duration
	Err          error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithSnapshotter preserves scene state across teardown.
func WithSnapshotter(s Snapshotter) Option {
	return func(o *Orchestrator) { o.snapshotter = s }
}

// WithIdleWait sets the device validation step run before teardown. A
// device-lost result from it is expected and tolerated.
func WithIdleWait(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.idleWait = fn }
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithBackoff paces automatic retries after a failed attempt.
func WithBackoff(b backoff.BackOff) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider for attempt spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics routes attempt results to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// Orchestrator runs recovery attempts over a Plan. It is safe for
// concurrent use; attempts are serialized by an atomic claim and
// concurrent callers get ErrInProgress instead of blocking.
type Orchestrator struct {
	plan        Plan
	maxAttempts int
	snapshotter Snapshotter
	idleWait    func(ctx context.Context) error
	tracer      trace.Tracer
	metrics     *metrics.Collectors
	now         func() time.Time

	recovering atomic.Bool

	mu       sync.Mutex
	state    State
	attempts int
	observer Observer
	backoff  backoff.BackOff
	nextDue  time.Time
	stopped  bool
	last     Report
	cause    error
}

// New creates an Orchestrator for plan.
func New(plan Plan, opts ...Option) (*Orchestrator, error) {
	if plan.Len() == 0 {
		return nil, ErrEmptyPlan
	}
	o := &Orchestrator{
		plan:        plan,
		maxAttempts: DefaultMaxAttempts,
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxAttempts, o.maxAttempts)
	}
	if o.backoff == nil {
		o.backoff = DefaultBackoff()
	}
	o.backoff.Reset()
	return o, nil
}

// DefaultBackoff returns the retry pacing used when none is configured:
// exponential from 50ms up to 2s, never giving up on its own.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SetObserver replaces the lifecycle observer. Nil removes it.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.mu.Lock()
	o.observer = obs
	o.mu.Unlock()
}

// MarkLost records device loss without recovering. It reports whether the
// call changed the state from Healthy.
func (o *Orchestrator) MarkLost(cause error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Healthy {
		return false
	}
	o.state = DeviceLost
	o.cause = cause
	o.nextDue = time.Time{}
	logging.Logger().Warn("recovery: device lost", "err", cause)
	return true
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsLost reports whether the device is not healthy.
func (o *Orchestrator) IsLost() bool { return o.State() != Healthy }

// Recovering reports whether an attempt is running.
func (o *Orchestrator) Recovering() bool { return o.recovering.Load() }

// Attempts returns the attempts used since the last success or reset and
// the budget.
func (o *Orchestrator) Attempts() (attempts, maxAttempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts, o.maxAttempts
}

// LastReport returns the report of the latest finished attempt.
func (o *Orchestrator) LastReport() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Due reports whether an automatic attempt may start at now: the device is
// lost, the budget is not exhausted and the backoff window has elapsed.
func (o *Orchestrator) Due(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == DeviceLost && !o.stopped && o.attempts < o.maxAttempts && !now.Before(o.nextDue)
}

// ResetAttempts re-arms the budget after exhaustion. The device stays
// marked lost if it was.
func (o *Orchestrator) ResetAttempts() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = 0
	o.stopped = false
	o.nextDue = time.Time{}
	o.backoff.Reset()
	if o.state == Failed {
		o.state = DeviceLost
	}
}

// Recover runs one attempt. It returns ErrInProgress if another attempt
// is running and ErrExhausted once the budget is used up; neither notifies
// the observer. Otherwise the observer sees DeviceLost then
// RecoveryComplete, and a failed attempt returns an error wrapping
// ErrFailed.
func (o *Orchestrator) Recover(ctx context.Context, cause error) (Report, error) {
	if !o.recovering.CompareAndSwap(false, true) {
		return Report{}, ErrInProgress
	}
	defer o.recovering.Store(false)

	o.mu.Lock()
	if o.attempts >= o.maxAttempts {
		o.state = Failed
		o.mu.Unlock()
		return Report{}, ErrExhausted
	}
	o.attempts++
	o.state = Recovering
	if cause == nil {
		cause = o.cause
	}
	report := Report{
		AttemptID:   uuid.New(),
		Attempt:     o.attempts,
		MaxAttempts: o.maxAttempts,
	}
	obs := o.observer
	o.mu.Unlock()

	start := o.now()
	log := logging.Logger().With("attempt_id", report.AttemptID.String(), "attempt", report.Attempt)
	ctx, span := o.tracer.Start(ctx, "recovery.attempt", trace.WithAttributes(
		attribute.String("recovery.attempt_id", report.AttemptID.String()),
		attribute.Int("recovery.attempt", report.Attempt),
		attribute.Int("recovery.max_attempts", report.MaxAttempts),
	))
	defer span.End()

	log.Info("recovery: attempt started", "max_attempts", report.MaxAttempts, "cause", cause)
	if obs != nil {
		obs.DeviceLost(LossEvent{
			AttemptID:   report.AttemptID,
			Attempt:     report.Attempt,
			MaxAttempts: report.MaxAttempts,
			Cause:       cause,
		})
	}

	o.run(ctx, &report, log)
	report.Duration = o.now().Sub(start)

	exhausted := o.finish(&report)
	if report.Success {
		span.SetStatus(codes.Ok, "")
		log.Info("recovery: attempt succeeded", "duration", report.Duration)
	} else {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.FailedStage)
		log.Error("recovery: attempt failed", "stage", report.FailedStage,
			"fallback", report.FallbackUsed, "exhausted", exhausted, "err", report.Err)
	}
	span.SetAttributes(attribute.Bool("recovery.success", report.Success))

	if obs != nil {
		obs.RecoveryComplete(CompletionEvent{
			AttemptID:   report.AttemptID,
			Success:     report.Success,
			Attempt:     report.Attempt,
			MaxAttempts: report.MaxAttempts,
			FailedStage: report.FailedStage,
			Exhausted:   exhausted,
			Err:         report.Err,
		})
	}
	if !report.Success {
		return report, report.Err
	}
	return report, nil
}

// run executes validation, snapshot, teardown, recreation and restore.
func (o *Orchestrator) run(ctx context.Context, r *Report, log *slog.Logger) {
	if o.idleWait != nil {
		if err := o.idleWait(ctx); err != nil {
			if !gpucore.IsDeviceLost(err) {
				log.Warn("recovery: device still busy, keeping GPU objects", "err", err)
				r.FailedStage = IdleStage
				r.Err = fmt.Errorf("%w: device not idle: %w", ErrFailed, err)
				return
			}
			log.Debug("recovery: idle wait reported device lost", "err", err)
		}
	}

	var snap Snapshot
	if o.snapshotter != nil {
		snap = o.snapshotter.Snapshot()
	}

	stages := o.plan.stages
	enabled := make([]bool, len(stages))
	for i := range stages {
		enabled[i] = stages[i].enabled()
	}

	for i := len(stages) - 1; i >= 0; i-- {
		if !enabled[i] {
			continue
		}
		if err := o.stageSpan(ctx, "teardown", &stages[i], stages[i].teardown); err != nil {
			log.Warn("recovery: teardown failed", "stage", stages[i].Name, "err", err)
		}
	}

	up := make([]bool, len(stages))
	for i := range stages {
		if !enabled[i] {
			continue
		}
		s := &stages[i]
		if err := o.stageSpan(ctx, "recreate", s, s.recreate); err != nil {
			r.FailedStage = s.Name
			r.Err = fmt.Errorf("%w: stage %q: %w", ErrFailed, s.Name, err)
			if terr := s.teardown(ctx); terr != nil {
				log.Warn("recovery: partial teardown failed", "stage", s.Name, "err", terr)
			}
			break
		}
		up[i] = true
	}

	if r.Err == nil && snap.Scene != nil {
		if err := o.snapshotter.Restore(ctx, snap); err != nil {
			r.FailedStage = RestoreStage
			r.Err = fmt.Errorf("%w: restore scene: %w", ErrFailed, err)
		}
	}

	if r.Err == nil {
		r.Success = true
		r.Recreated = o.names(up)
		return
	}

	if o.essentialDown(up, enabled) {
		r.FallbackUsed = true
		r.FallbackOK = o.fallback(ctx, up, log)
	}
	r.Recreated = o.names(up)
}

func (o *Orchestrator) essentialDown(up, enabled []bool) bool {
	for i, s := range o.plan.stages {
		if s.Essential && enabled[i] && !up[i] {
			return true
		}
	}
	return false
}

// fallback tears down what is up and recreates only essential stages.
func (o *Orchestrator) fallback(ctx context.Context, up []bool, log *slog.Logger) bool {
	stages := o.plan.stages
	for i := len(stages) - 1; i >= 0; i-- {
		if !up[i] {
			continue
		}
		if err := stages[i].teardown(ctx); err != nil {
			log.Warn("recovery: fallback teardown failed", "stage", stages[i].Name, "err", err)
		}
		up[i] = false
	}
	for i := range stages {
		s := &stages[i]
		if !s.Essential {
			continue
		}
		if err := o.stageSpan(ctx, "fallback", s, s.recreate); err != nil {
			log.Warn("recovery: fallback recreate failed", "stage", s.Name, "err", err)
			if terr := s.teardown(ctx); terr != nil {
				log.Warn("recovery: partial teardown failed", "stage", s.Name, "err", terr)
			}
			return false
		}
		up[i] = true
	}
	return true
}

func (o *Orchestrator) stageSpan(ctx context.Context, op string, s *Stage, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "recovery."+op, trace.WithAttributes(
		attribute.String("recovery.stage", s.Name),
		attribute.String("recovery.phase", s.Phase.String()),
	))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) names(up []bool) []string {
	var names []string
	for i, s := range o.plan.stages {
		if up[i] {
			names = append(names, s.Name)
		}
	}
	return names
}

// finish updates the state after an attempt and reports whether this
// attempt exhausted the budget.
func (o *Orchestrator) finish(r *Report) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	exhausted := false
	result := "success"
	if r.Success {
		o.state = Healthy
		o.attempts = 0
		o.cause = nil
		o.stopped = false
		o.nextDue = time.Time{}
		o.backoff.Reset()
	} else {
		result = "failure"
		if o.attempts >= o.maxAttempts {
			o.state = Failed
			exhausted = true
			result = "exhausted"
		} else {
			o.state = DeviceLost
			d := o.backoff.NextBackOff()
			if d == backoff.Stop {
				o.stopped = true
			} else {
				o.nextDue = o.now().Add(d)
			}
		}
	}
	o.last = *r
	o.metrics.RecoveryAttempt(result, r.Duration)
	return exhausted
}
