// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package recovery

import (
	"context"

	"github.com/google/uuid"
)

// LossEvent is delivered when a recovery attempt starts.
type LossEvent struct {
	AttemptID   uuid.UUID
	Attempt     int
	MaxAttempts int
	Cause       error
}

// CompletionEvent is delivered when a recovery attempt ends.
type CompletionEvent struct {
	AttemptID   uuid.UUID
	Success     bool
	Attempt     int
	MaxAttempts int
	FailedStage string
	// Exhausted is set on the one attempt that used up the budget.
	Exhausted bool
	Err       error
}

// Observer receives recovery lifecycle events on the recovering goroutine.
type Observer interface {
	DeviceLost(LossEvent)
	RecoveryComplete(CompletionEvent)
}

// ObserverFuncs adapts a pair of callbacks to Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnDeviceLost       func(LossEvent)
	OnRecoveryComplete func(CompletionEvent)
}

// DeviceLost implements Observer.
func (f ObserverFuncs) DeviceLost(e LossEvent) {
	if f.OnDeviceLost != nil {
		f.OnDeviceLost(e)
	}
}

// RecoveryComplete implements Observer.
func (f ObserverFuncs) RecoveryComplete(e CompletionEvent) {
	if f.OnRecoveryComplete != nil {
		f.OnRecoveryComplete(e)
	}
}

// Snapshot is the state preserved across teardown.
type Snapshot struct {
	// Scene is the application's current scene reference, nil if none.
	Scene any
	// SwapchainValid reports whether the swapchain was usable at loss.
	SwapchainValid bool
}

// Snapshotter captures state before teardown and reloads it after the
// graph is rebuilt. Restore is called only when Snapshot returned a
// non-nil Scene.
type Snapshotter interface {
	Snapshot() Snapshot
	Restore(ctx context.Context, s Snapshot) error
}
