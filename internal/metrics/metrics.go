// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package metrics holds the Prometheus collectors shared by the
// synchronization components. All methods are safe on a nil *Collectors.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "framesync"

// Collectors groups every metric the core exports.
type Collectors struct {
	TimelineResets   prometheus.Counter
	TimelineValue    prometheus.Gauge
	FrameWaits       *prometheus.CounterVec
	FramesSkipped    prometheus.Counter
	ImmediateSubmits *prometheus.CounterVec
	RecoveryAttempts *prometheus.CounterVec
	RecoveryDuration prometheus.Histogram
	Uploads          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil reg leaves them unregistered; they still count.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		TimelineResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_resets_total",
			Help:      "Overflow-triggered timeline primitive recreations.",
		}),
		TimelineValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timeline_value",
			Help:      "Last timeline value handed out.",
		}),
		FrameWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_waits_total",
			Help:      "Frame slot fence waits by result.",
		}, []string{"status"}),
		FramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frames skipped while the device was lost or recovering.",
		}),
		ImmediateSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "immediate_submits_total",
			Help:      "Immediate submissions by outcome.",
		}, []string{"outcome"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Device-loss recovery attempts by result.",
		}, []string{"result"}),
		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Wall time of device-loss recovery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Buffer uploads by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range c.all() {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

// Nop returns unregistered collectors.
func Nop() *Collectors {
	c, _ := New(nil)
	return c
}

func (c *Collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.TimelineResets, c.TimelineValue, c.FrameWaits, c.FramesSkipped,
		c.ImmediateSubmits, c.RecoveryAttempts, c.RecoveryDuration, c.Uploads,
	}
}

// TimelineReset counts one primitive recreation.
func (c *Collectors) TimelineReset() {
	if c == nil {
		return
	}
	c.TimelineResets.Inc()
}

// ObserveTimelineValue records the last value handed out.
func (c *Collectors) ObserveTimelineValue(v uint64) {
	if c == nil {
		return
	}
	c.TimelineValue.Set(float64(v))
}

// FrameWait counts one frame wait with the given status label.
func (c *Collectors) FrameWait(status string) {
	if c == nil {
		return
	}
	c.FrameWaits.WithLabelValues(status).Inc()
}

// FrameSkipped counts one skipped frame.
func (c *Collectors) FrameSkipped() {
	if c == nil {
		return
	}
	c.FramesSkipped.Inc()
}

// ImmediateSubmit counts one immediate submission with the given outcome.
func (c *Collectors) ImmediateSubmit(outcome string) {
	if c == nil {
		return
	}
	c.ImmediateSubmits.WithLabelValues(outcome).Inc()
}

// RecoveryAttempt records one recovery attempt.
func (c *Collectors) RecoveryAttempt(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.RecoveryAttempts.WithLabelValues(result).Inc()
	c.RecoveryDuration.Observe(d.Seconds())
}

// Upload counts one buffer upload with the given result.
func (c *Collectors) Upload(result string) {
	if c == nil {
		return
	}
	c.Uploads.WithLabelValues(result).Inc()
}
