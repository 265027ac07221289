// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gogpu/framesync/internal/fakegpu"
	"github.com/gogpu/framesync/recovery"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if err := o.validate(); err != nil {
		t.Fatalf("defaultOptions().validate() = %v, want nil", err)
	}
	if o.framesInFlight != DefaultFramesInFlight {
		t.Errorf("framesInFlight = %d, want %d", o.framesInFlight, DefaultFramesInFlight)
	}
	if o.headroom != DefaultTimelineHeadroom {
		t.Errorf("headroom = %d, want %d", o.headroom, DefaultTimelineHeadroom)
	}
	if o.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", o.maxAttempts, DefaultMaxAttempts)
	}
	if o.timeoutEscalation != DefaultTimeoutEscalation {
		t.Errorf("timeoutEscalation = %d, want %d", o.timeoutEscalation, DefaultTimeoutEscalation)
	}
}

func TestOptionsApply(t *testing.T) {
	o := defaultOptions()
	for _, opt := range []Option{
		WithFramesInFlight(3),
		WithFrameTimeout(2 * time.Second),
		WithSubmitTimeout(time.Second),
		WithTimelineHeadroom(64),
		WithDrainTimeout(time.Second),
		WithMaxRecoveryAttempts(5),
		WithTimeoutEscalation(0),
		WithUploadWorkers(2),
		WithUploadConcurrency(8),
	} {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		t.Fatalf("validate() = %v", err)
	}
	if o.framesInFlight != 3 || o.headroom != 64 || o.maxAttempts != 5 || o.timeoutEscalation != 0 {
		t.Errorf("options not applied: %+v", o)
	}
	if o.uploadWorkers != 2 || o.uploadConcurrency != 8 {
		t.Errorf("upload options not applied: workers=%d concurrency=%d", o.uploadWorkers, o.uploadConcurrency)
	}
}

func TestInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero frames", WithFramesInFlight(0)},
		{"too many frames", WithFramesInFlight(9)},
		{"zero frame timeout", WithFrameTimeout(0)},
		{"negative submit timeout", WithSubmitTimeout(-time.Second)},
		{"zero drain timeout", WithDrainTimeout(0)},
		{"zero headroom", WithTimelineHeadroom(0)},
		{"huge headroom", WithTimelineHeadroom(math.MaxUint64)},
		{"zero attempts", WithMaxRecoveryAttempts(0)},
		{"negative escalation", WithTimeoutEscalation(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(fakegpu.New(), tt.opt)
			if !errors.Is(err, ErrInvalidOption) {
				t.Errorf("New() error = %v, want ErrInvalidOption", err)
			}
		})
	}
}

func TestNewNilDevice(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("New(nil) error = %v, want ErrInvalidOption", err)
	}
}

func TestDuplicateStageName(t *testing.T) {
	_, err := New(fakegpu.New(), WithStages(recovery.Stage{Name: StageDevice, Phase: recovery.PhaseSwapchain}))
	if !errors.Is(err, ErrInvalidOption) {
		t.Errorf("New() error = %v, want ErrInvalidOption", err)
	}
	if !errors.Is(err, recovery.ErrDuplicateName) {
		t.Errorf("New() error = %v, want recovery.ErrDuplicateName", err)
	}
}
