// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

// Resource IDs
//
// These opaque IDs represent GPU synchronization and command objects.
// Each backend maintains a mapping between IDs and actual backend resources.
// IDs are uint64 to accommodate various backend handle sizes.

// FenceID is an opaque handle to a single-shot GPU->CPU fence.
type FenceID uint64

// SemaphoreID is an opaque handle to a binary GPU->GPU semaphore.
type SemaphoreID uint64

// TimelineID is an opaque handle to a timeline completion primitive.
type TimelineID uint64

// CommandBufferID is an opaque handle to a recorded command buffer.
type CommandBufferID uint64

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the buffer can be mapped for reading.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageMapWrite indicates the buffer can be mapped for writing.
	BufferUsageMapWrite BufferUsage = 1 << 1

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 2

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 3

	// BufferUsageIndex indicates the buffer can be used as an index buffer.
	BufferUsageIndex BufferUsage = 1 << 4

	// BufferUsageVertex indicates the buffer can be used as a vertex buffer.
	BufferUsageVertex BufferUsage = 1 << 5

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 6

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 7
)

// BufferDesc describes a GPU buffer.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage is the bitmask of BufferUsage* flags.
	Usage BufferUsage
}

// BufferCopy describes a single buffer-to-buffer copy region.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// SubmitInfo describes one queue submission.
//
// Fence, if valid, is signaled when the submission completes.
// Timeline, if valid, is signaled to TimelineValue when the submission
// completes. TimelineValue must be non-zero whenever Timeline is set.
type SubmitInfo struct {
	// Label is an optional debug label.
	Label string

	// CommandBuffers are executed in order. May be empty for a pure signal.
	CommandBuffers []CommandBufferID

	// WaitSemaphores are waited on before execution begins.
	WaitSemaphores []SemaphoreID

	// SignalSemaphores are signaled when execution completes.
	SignalSemaphores []SemaphoreID

	// Fence is signaled on completion, or InvalidID.
	Fence FenceID

	// Timeline is the completion primitive to signal, or InvalidID.
	Timeline TimelineID

	// TimelineValue is the value written to Timeline on completion.
	TimelineValue uint64
}
