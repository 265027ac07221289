// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command fsdemo runs a frame loop with background uploads and reports
// pacing and recovery statistics.
//
// By default it uses an in-memory device. With -gpu it opens the native
// Vulkan backend instead. -lose-at simulates a device loss on the
// in-memory device after the given number of frames.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/framesync"
	"github.com/gogpu/framesync/backend"
	"github.com/gogpu/framesync/cleanup"
	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/fakegpu"
	"github.com/gogpu/framesync/recovery"
	"github.com/gogpu/framesync/upload"

	_ "github.com/gogpu/framesync/backend/native"
)

func main() {
	var (
		frames   = flag.Int("frames", 300, "frames to render")
		inFlight = flag.Int("in-flight", 2, "frames in flight")
		uploads  = flag.Int("uploads", 4, "background uploads per frame")
		loseAt   = flag.Int("lose-at", 0, "simulate device loss after this many frames (in-memory device only)")
		useGPU   = flag.Bool("gpu", false, "use the native Vulkan backend")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	dev, factory, err := openDevice(ctx, *useGPU)
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer dev.Destroy()

	m, err := framesync.New(dev,
		framesync.WithFramesInFlight(*inFlight),
		framesync.WithDeviceFactory(factory),
		framesync.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("framesync: %v", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()
	m.SetDeviceLossCallbacks(
		func(ev recovery.LossEvent) { log.Printf("device lost: %v", ev.Cause) },
		func(ev recovery.CompletionEvent) { log.Printf("recovery finished: success=%v", ev.Success) },
	)

	start := time.Now()
	var rendered, skipped int
	for i := 0; i < *frames; i++ {
		if *loseAt > 0 && i == *loseAt {
			if fake, ok := m.Device().(*fakegpu.Device); ok {
				fake.Lose()
			}
		}
		err := renderFrame(ctx, m, *uploads)
		switch {
		case err == nil:
			rendered++
		case errors.Is(err, framesync.ErrFrameSkipped), errors.Is(err, gpucore.ErrDeviceLost):
			skipped++
		default:
			log.Fatalf("frame %d: %v", i, err)
		}
	}
	m.WaitUploads()

	elapsed := time.Since(start)
	attempts, maxAttempts := m.RecoveryStats()
	fmt.Printf("rendered %d frames, skipped %d, in %v\n", rendered, skipped, elapsed.Round(time.Millisecond))
	fmt.Printf("recovery state %v, attempts %d/%d\n", m.RecoveryState(), attempts, maxAttempts)
}

func openDevice(ctx context.Context, useGPU bool) (gpucore.Device, framesync.DeviceFactory, error) {
	if useGPU {
		f := backend.Get(backend.BackendNative)
		if f == nil {
			return nil, nil, backend.ErrBackendNotAvailable
		}
		dev, err := f(ctx)
		return dev, framesync.DeviceFactory(f), err
	}
	factory := func(context.Context) (gpucore.Device, error) { return fakegpu.New(), nil }
	return fakegpu.New(), factory, nil
}

// renderFrame begins a frame, queues background uploads, and submits an
// empty command buffer for the frame slot.
func renderFrame(ctx context.Context, m *framesync.Manager, uploads int) error {
	f, err := m.BeginFrame()
	if err != nil {
		return err
	}
	dev := m.Device()
	for j := 0; j < uploads; j++ {
		label := fmt.Sprintf("frame %d upload %d", f.Index, j)
		dst, err := dev.CreateBuffer(&gpucore.BufferDesc{
			Label: label,
			Size:  256,
			Usage: gpucore.BufferUsageCopyDst,
		})
		if err != nil {
			return err
		}
		req := upload.Request{Label: label, Dst: dst, Data: make([]byte, 256)}
		done := func(upload.Handle, error) { dev.DestroyBuffer(dst) }
		if err := m.UploadAsync(ctx, req, done); err != nil {
			dev.DestroyBuffer(dst)
			return err
		}
	}

	id, _, err := dev.BeginCommands(fmt.Sprintf("frame %d", f.Index))
	if err != nil {
		return err
	}
	if err := dev.EndCommands(id); err != nil {
		return err
	}
	if _, err := m.SubmitFrame(f, framesync.FrameSubmit{CommandBuffers: []gpucore.CommandBufferID{id}}); err != nil {
		dev.FreeCommandBuffer(id)
		return err
	}
	return m.DeferDestroy(f, cleanup.Func(func() { dev.FreeCommandBuffer(id) }))
}
