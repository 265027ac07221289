// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/framesync/frame"
	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/recovery"
	"github.com/gogpu/framesync/submit"
	"github.com/gogpu/framesync/timeline"
)

// Defaults.
const (
	DefaultFramesInFlight    = 2
	DefaultFrameTimeout      = time.Second
	DefaultSubmitTimeout     = submit.DefaultTimeout
	DefaultTimelineHeadroom  = timeline.DefaultHeadroom
	DefaultDrainTimeout      = timeline.DefaultDrainTimeout
	DefaultMaxAttempts       = recovery.DefaultMaxAttempts
	DefaultTimeoutEscalation = 3
)

// DeviceFactory creates a fresh device during recovery. The Manager owns
// and destroys devices it obtained from the factory.
type DeviceFactory func(ctx context.Context) (gpucore.Device, error)

// Option configures a Manager during creation.
//
// Example:
//
//	m, err := framesync.New(dev,
//	    framesync.WithFramesInFlight(3),
//	    framesync.WithDeviceFactory(native.Factory()),
//	)
type Option func(*options)

// options holds optional configuration for Manager creation.
type options struct {
	framesInFlight    int
	frameTimeout      time.Duration
	submitTimeout     time.Duration
	headroom          uint64
	drainTimeout      time.Duration
	maxAttempts       int
	timeoutEscalation int
	uploadWorkers     int
	uploadConcurrency int

	factory        DeviceFactory
	stages         []recovery.Stage
	snapshotter    recovery.Snapshotter
	observer       recovery.Observer
	backoff        backoff.BackOff
	tracerProvider trace.TracerProvider
	registerer     prometheus.Registerer
	logger         *slog.Logger
}

// defaultOptions returns the default manager options.
func defaultOptions() options {
	return options{
		framesInFlight:    DefaultFramesInFlight,
		frameTimeout:      DefaultFrameTimeout,
		submitTimeout:     DefaultSubmitTimeout,
		headroom:          DefaultTimelineHeadroom,
		drainTimeout:      DefaultDrainTimeout,
		maxAttempts:       DefaultMaxAttempts,
		timeoutEscalation: DefaultTimeoutEscalation,
	}
}

func (o *options) validate() error {
	switch {
	case o.framesInFlight < 1 || o.framesInFlight > frame.MaxFramesInFlight:
		return fmt.Errorf("%w: frames in flight %d (want 1..%d)", ErrInvalidOption, o.framesInFlight, frame.MaxFramesInFlight)
	case o.frameTimeout <= 0:
		return fmt.Errorf("%w: frame timeout %v", ErrInvalidOption, o.frameTimeout)
	case o.submitTimeout <= 0:
		return fmt.Errorf("%w: submit timeout %v", ErrInvalidOption, o.submitTimeout)
	case o.drainTimeout <= 0:
		return fmt.Errorf("%w: drain timeout %v", ErrInvalidOption, o.drainTimeout)
	case o.headroom == 0 || o.headroom > math.MaxUint64/2:
		return fmt.Errorf("%w: timeline headroom %d", ErrInvalidOption, o.headroom)
	case o.maxAttempts < 1:
		return fmt.Errorf("%w: max recovery attempts %d", ErrInvalidOption, o.maxAttempts)
	case o.timeoutEscalation < 0:
		return fmt.Errorf("%w: timeout escalation %d", ErrInvalidOption, o.timeoutEscalation)
	}
	return nil
}

// WithFramesInFlight sets the number of frame slots (1..8, default 2).
func WithFramesInFlight(n int) Option {
	return func(o *options) { o.framesInFlight = n }
}

// WithFrameTimeout bounds BeginFrame's fence wait (default 1s).
func WithFrameTimeout(d time.Duration) Option {
	return func(o *options) { o.frameTimeout = d }
}

// WithSubmitTimeout bounds the completion wait of immediate submissions
// and uploads (default 10s).
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *options) { o.submitTimeout = d }
}

// WithTimelineHeadroom sets the distance from the 64-bit maximum at which
// the timeline primitive is recreated (default 1000).
func WithTimelineHeadroom(n uint64) Option {
	return func(o *options) { o.headroom = n }
}

// WithDrainTimeout bounds the in-flight drain of an overflow reset and the
// device idle wait that opens a recovery attempt (default 5s).
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithMaxRecoveryAttempts sets the recovery attempt budget (default 3).
func WithMaxRecoveryAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithTimeoutEscalation treats n consecutive frame wait timeouts as device
// loss (default 3). Zero disables escalation.
func WithTimeoutEscalation(n int) Option {
	return func(o *options) { o.timeoutEscalation = n }
}

// WithUploadWorkers sets the number of background upload workers.
// Zero uses GOMAXPROCS.
func WithUploadWorkers(n int) Option {
	return func(o *options) { o.uploadWorkers = n }
}

// WithUploadConcurrency bounds how many uploads UploadAll runs at once.
func WithUploadConcurrency(n int) Option {
	return func(o *options) { o.uploadConcurrency = n }
}

// WithDeviceFactory sets how recovery obtains a new device. Without a
// factory, recovery rebuilds the sync objects on the existing device.
func WithDeviceFactory(f DeviceFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithStages adds application stages (swapchain, pipelines, optional
// features, scene buffers) to the recovery plan. They are ordered by
// Phase together with the Manager's own device and command stages.
func WithStages(stages ...recovery.Stage) Option {
	return func(o *options) { o.stages = append(o.stages, stages...) }
}

// WithSnapshotter preserves scene state across recovery.
func WithSnapshotter(s recovery.Snapshotter) Option {
	return func(o *options) { o.snapshotter = s }
}

// WithObserver sets the device-loss observer.
func WithObserver(obs recovery.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithRetryBackoff paces automatic recovery retries.
func WithRetryBackoff(b backoff.BackOff) Option {
	return func(o *options) { o.backoff = b }
}

// WithTracerProvider sets the OpenTelemetry provider for recovery spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMetricsRegisterer registers framesync's Prometheus collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger is shorthand for calling SetLogger before New.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
