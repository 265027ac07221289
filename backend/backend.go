// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"context"
	"errors"

	"github.com/gogpu/framesync/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Backend names.
const (
	// BackendNative is the Pure Go HAL backend.
	BackendNative = "native"
)

// Factory opens a device. Factories are called again after device loss,
// so each call must return a fresh device.
type Factory func(ctx context.Context) (gpucore.Device, error)
