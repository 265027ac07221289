// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framesync/backend"
	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.BackendNative, Factory())
}

// Open creates a standalone Vulkan device on the first discrete or
// integrated adapter. The returned Device owns the HAL device.
func Open(opts ...Option) (*Device, error) {
	hb, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, ErrNoBackend
	}
	instance, err := hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	logging.Logger().Info("native: device opened", "adapter", selected.Info.Name)

	opts = append(opts, withOwnership(instance.Destroy))
	return newDevice(deviceShim{dev: openDev.Device}, queueShim{q: openDev.Queue}, opts...), nil
}

// Factory returns a device factory for recovery that opens a fresh
// standalone device on every call.
func Factory(opts ...Option) func(context.Context) (gpucore.Device, error) {
	return func(ctx context.Context) (gpucore.Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := Open(opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}
