// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package framesync coordinates CPU/GPU synchronization for a real-time
// renderer: frames in flight, timeline values, one-off submissions,
// staged uploads, deferred destruction and device-loss recovery.
//
// # Overview
//
// A Manager wraps one gpucore.Device. The render thread drives the frame
// loop; any goroutine may allocate timeline values, submit immediate work
// or upload buffers.
//
// # Quick Start
//
//	m, err := framesync.New(dev,
//	    framesync.WithFramesInFlight(2),
//	    framesync.WithDeviceFactory(factory),
//	)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	for running {
//	    f, err := m.BeginFrame()
//	    if errors.Is(err, framesync.ErrFrameSkipped) {
//	        continue // device lost or still busy, try next tick
//	    }
//	    cmds := record(f)
//	    if _, err := m.SubmitFrame(f, framesync.FrameSubmit{CommandBuffers: cmds}); err != nil {
//	        log.Println(err)
//	    }
//	}
//
// # Device Loss
//
// Any call that observes gpucore.ErrDeviceLost marks the device lost.
// Frame calls then run recovery on the render thread: the device is
// drained, every stage is torn down in reverse order and recreated in
// order, and the scene is restored from a snapshot. Attempts are bounded
// and paced by a backoff; callbacks report start and completion.
//
// # Architecture
//
// The library is organized into:
//   - timeline: overflow-safe monotonic timeline values
//   - frame: per-slot fences, semaphores and pacing
//   - submit: immediate submission with leak-on-timeout
//   - upload: staging uploads, sync and on a worker pool
//   - cleanup: destruction deferred to frame completion
//   - recovery: staged teardown/recreate orchestration
//   - backend/native, backend/vulkan: gpucore.Device implementations
package framesync
