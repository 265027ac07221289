// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package vulkan provides frame synchronization objects on a raw Vulkan
// device for applications that drive Vulkan themselves.
//
// FrameSync implements gpucore.FenceDevice with VkFence and VkSemaphore,
// so a frame.Pacer can pace an application's own vkQueueSubmit and
// vkQueuePresentKHR calls. ResultError maps VkResult codes onto the
// gpucore error taxonomy.
package vulkan
