// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import "time"

// FenceDevice creates and waits on per-frame fences and binary semaphores.
//
// Every method that talks to the driver may return an error wrapping
// ErrDeviceLost. Callers must treat that as terminal for the device.
type FenceDevice interface {
	// CreateFence creates a fence. A signaled fence lets the first wait
	// on a fresh frame slot return immediately.
	CreateFence(signaled bool) (FenceID, error)

	// DestroyFence releases a fence. The fence must not be in use.
	DestroyFence(id FenceID)

	// FenceStatus reports whether the fence is signaled without blocking.
	FenceStatus(id FenceID) (bool, error)

	// WaitFence blocks until the fence is signaled or timeout elapses.
	// It returns false (and a nil error) on timeout.
	WaitFence(id FenceID, timeout time.Duration) (bool, error)

	// ResetFence returns a signaled fence to the unsignaled state.
	ResetFence(id FenceID) error

	// CreateSemaphore creates a binary semaphore.
	CreateSemaphore() (SemaphoreID, error)

	// DestroySemaphore releases a binary semaphore.
	DestroySemaphore(id SemaphoreID)
}

// TimelineDevice manages timeline completion primitives: GPU-visible
// monotonic counters that both the CPU and the GPU can wait on.
type TimelineDevice interface {
	// CreateTimeline creates a primitive whose counter starts at initial.
	CreateTimeline(initial uint64) (TimelineID, error)

	// DestroyTimeline releases a primitive. No in-flight work may still
	// reference it.
	DestroyTimeline(id TimelineID)

	// TimelineValue returns the highest value the GPU has reached.
	TimelineValue(id TimelineID) (uint64, error)

	// WaitTimeline blocks until the primitive reaches value or timeout
	// elapses. It returns false (and a nil error) on timeout.
	WaitTimeline(id TimelineID, value uint64, timeout time.Duration) (bool, error)
}

// CommandEncoder records transfer commands into a command buffer.
type CommandEncoder interface {
	// CopyBufferToBuffer records a copy between two buffers.
	CopyBufferToBuffer(src, dst BufferID, regions []BufferCopy)
}

// CommandDevice allocates, records and submits command buffers.
type CommandDevice interface {
	// BeginCommands allocates a transient command buffer and begins
	// recording into it.
	BeginCommands(label string) (CommandBufferID, CommandEncoder, error)

	// EndCommands finishes recording. On error the buffer is still
	// allocated and must be freed by the caller.
	EndCommands(id CommandBufferID) error

	// FreeCommandBuffer releases a command buffer. It must only be called
	// once the GPU has finished executing it, or if it was never submitted.
	FreeCommandBuffer(id CommandBufferID)

	// Submit enqueues work on the device queue.
	Submit(info *SubmitInfo) error
}

// BufferDevice creates and fills GPU buffers.
type BufferDevice interface {
	// CreateBuffer creates a GPU buffer.
	CreateBuffer(desc *BufferDesc) (BufferID, error)

	// DestroyBuffer releases a GPU buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a host-visible buffer.
	WriteBuffer(id BufferID, offset uint64, data []byte) error
}

// Device is the narrow view of a logical GPU device and its queue that the
// synchronization core consumes.
//
// Implementations must be safe for concurrent use: the render thread and
// background upload workers call into the same Device.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource while in use is undefined behavior
//   - IDs become invalid after destruction and must not be reused
type Device interface {
	FenceDevice
	TimelineDevice
	CommandDevice
	BufferDevice

	// WaitIdle blocks until all queued work has completed or timeout
	// elapses. It returns an error wrapping ErrTimeout on timeout.
	WaitIdle(timeout time.Duration) error

	// Destroy releases the device. Only owned devices are destroyed;
	// backends wrapping a host-provided device just drop their references.
	Destroy()
}
