// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package frame paces the render loop across a fixed number of frames in
// flight.
//
// Each slot owns a fence and two binary semaphores (image acquired and
// render finished). A slot moves Idle → Submitted → Idle; its fence may be
// reset only after a wait on it returned StatusReady, so a reset can never
// race a submission the GPU is still executing.
//
//	status, err := pacer.Wait(pacer.Current(), time.Second)
//	if status != frame.StatusReady { ... }
//	pacer.ResetFence(pacer.Current())
//	// submit with the slot's fence and semaphores
//	pacer.MarkSubmitted(pacer.Current())
//	pacer.Advance()
package frame
