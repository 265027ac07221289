// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vulkan

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/framesync/gpucore"
)

// ResultError converts a VkResult into an error. Success and the non-error
// status codes return nil; VK_TIMEOUT and VK_NOT_READY are reported by the
// callers that expect them.
func ResultError(op string, r vk.Result) error {
	switch r {
	case vk.Success, vk.Timeout, vk.NotReady, vk.Incomplete:
		return nil
	case vk.ErrorDeviceLost:
		return fmt.Errorf("vulkan: %s: %w: %w (%d)", op, gpucore.ErrDeviceLost, vk.Error(r), r)
	case vk.ErrorOutOfHostMemory, vk.ErrorOutOfDeviceMemory:
		return fmt.Errorf("vulkan: %s: %w: %w (%d)", op, gpucore.ErrOutOfMemory, vk.Error(r), r)
	}
	return fmt.Errorf("vulkan: %s: %w (%d)", op, vk.Error(r), r)
}

// IsError reports whether r is a VkResult error code.
func IsError(r vk.Result) bool {
	return r < 0
}
