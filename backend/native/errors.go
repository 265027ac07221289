// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/framesync/gpucore"
)

// Package errors for the native backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrNoBackend is returned when the Vulkan HAL backend is not registered.
	ErrNoBackend = errors.New("native: vulkan backend not available")

	// ErrNotHAL is returned when a device provider does not expose HAL types.
	ErrNotHAL = errors.New("native: provider does not expose HAL device and queue")

	// ErrDestroyed is returned for calls after Destroy.
	ErrDestroyed = errors.New("native: device destroyed")
)

// IsDeviceLostMessage reports whether a driver error message describes
// device loss. HAL backends surface VK_ERROR_DEVICE_LOST and its DX12 and
// Metal equivalents as plain errors.
func IsDeviceLostMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device lost") ||
		strings.Contains(msg, "device_lost") ||
		strings.Contains(msg, "device removed") ||
		strings.Contains(msg, "device hung")
}

func isOutOfMemoryMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "out_of_device_memory")
}

// wrap maps a driver error onto the gpucore taxonomy.
func (d *Device) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gpucore.ErrDeviceLost):
		d.lost.Store(true)
		return fmt.Errorf("native: %s: %w", op, err)
	case d.lossClassifier(err):
		d.lost.Store(true)
		return fmt.Errorf("native: %s: %w: %w", op, gpucore.ErrDeviceLost, err)
	case isOutOfMemoryMessage(err):
		return fmt.Errorf("native: %s: %w: %w", op, gpucore.ErrOutOfMemory, err)
	}
	return fmt.Errorf("native: %s: %w", op, err)
}
