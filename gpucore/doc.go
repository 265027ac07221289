// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpucore defines the narrow GPU abstraction consumed by the
// framesync synchronization core.
//
// The core never talks to a graphics API directly. It drives a [Device],
// which thin backend adapters implement on top of a concrete API:
//
//	               +------------------+
//	               |    framesync     |
//	               | timeline / frame |
//	               | submit/recovery  |
//	               +--------+---------+
//	                        |
//	                  gpucore.Device
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| backend/native  |          | backend/vulkan  |
//	|  (hal.Device)   |          |  (vk fences)    |
//	+--------+--------+          +--------+--------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	|   gogpu/wgpu    |          | vulkan-go/vulkan|
//	+-----------------+          +-----------------+
//
// # Resource Management
//
// GPU objects are referenced via opaque IDs ([FenceID], [TimelineID],
// [CommandBufferID], ...). Backends track the mapping between IDs and the
// actual driver objects. The zero ID ([InvalidID]) is never handed out.
//
// # Errors
//
// Backends wrap driver failures so that errors.Is matches one of the
// taxonomy sentinels: [ErrTimeout], [ErrDeviceLost], [ErrOutOfMemory],
// [ErrSemaphoreInvalid] and [ErrInvalidValue]. [Classify] maps an error to
// its [ErrorClass]. Timeouts and invalid values are locally recoverable;
// device loss is always escalated to the recovery orchestrator.
package gpucore
