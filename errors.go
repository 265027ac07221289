// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"errors"

	"github.com/gogpu/framesync/gpucore"
)

// Error taxonomy, re-exported from gpucore so callers can match with
// errors.Is without importing it.
var (
	ErrTimeout          = gpucore.ErrTimeout
	ErrDeviceLost       = gpucore.ErrDeviceLost
	ErrOutOfMemory      = gpucore.ErrOutOfMemory
	ErrSemaphoreInvalid = gpucore.ErrSemaphoreInvalid
	ErrInvalidValue     = gpucore.ErrInvalidValue
)

// Manager errors.
var (
	// ErrFrameSkipped is returned by frame calls made while the device is
	// lost or recovering. The frame must be dropped, not retried.
	ErrFrameSkipped = errors.New("framesync: frame skipped")

	// ErrInvalidOption is returned by New for an out-of-range option.
	ErrInvalidOption = errors.New("framesync: invalid option")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("framesync: manager closed")

	// ErrNoFrame is returned by SubmitFrame without a successful BeginFrame.
	ErrNoFrame = errors.New("framesync: no frame in progress")
)
