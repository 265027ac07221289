// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package native implements gpucore.Device over the Pure Go gogpu/wgpu HAL.
//
// HAL fences are timeline-valued, so timelines map onto them directly.
// Per-frame binary fences are emulated as checkpoints on a timeline: a
// fence is signaled once the fence value it was submitted with is reached.
// HAL queues execute in submission order; binary semaphores are tracked
// for validation and their ordering is provided by the queue.
//
// Device loss is detected from driver error messages (see
// IsDeviceLostMessage) and reported as gpucore.ErrDeviceLost. Once lost,
// every driver call fails fast.
package native
