// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package timeline allocates monotonically increasing 64-bit values and
// manages the GPU timeline primitive they are signaled on.
//
// Values are handed out by a lock-free compare-and-swap loop that never
// returns a value at or below the highest value the GPU has reached. When
// the counter comes within the configured headroom of math.MaxUint64 the
// primitive is drained, destroyed and recreated at 0 under an exclusive
// lock; allocation resumes at 1.
//
// Typical usage:
//
//	alloc, err := timeline.New(dev)
//	v, err := alloc.Signal(func(id gpucore.TimelineID, v uint64) error {
//		return dev.Submit(&gpucore.SubmitInfo{Timeline: id, TimelineValue: v})
//	})
//	status, err := alloc.Wait(v, time.Second)
package timeline
