// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// deviceShim adapts hal.Device to halDevice.
type deviceShim struct{ dev hal.Device }

func (s deviceShim) CreateFence() (hal.Fence, error) { return s.dev.CreateFence() }
func (s deviceShim) DestroyFence(f hal.Fence)        { s.dev.DestroyFence(f) }

func (s deviceShim) Wait(f hal.Fence, value uint64, timeout time.Duration) (bool, error) {
	return s.dev.Wait(f, value, timeout)
}

func (s deviceShim) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	return s.dev.CreateBuffer(desc)
}

func (s deviceShim) DestroyBuffer(b hal.Buffer) { s.dev.DestroyBuffer(b) }

func (s deviceShim) CreateCommandEncoder(label string) (halEncoder, error) {
	enc, err := s.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, err
	}
	return encoderShim{enc: enc}, nil
}

func (s deviceShim) FreeCommandBuffer(cb hal.CommandBuffer) { s.dev.FreeCommandBuffer(cb) }
func (s deviceShim) Destroy()                               { s.dev.Destroy() }

// encoderShim adapts hal.CommandEncoder to halEncoder.
type encoderShim struct{ enc hal.CommandEncoder }

func (s encoderShim) BeginEncoding(label string) error        { return s.enc.BeginEncoding(label) }
func (s encoderShim) EndEncoding() (hal.CommandBuffer, error) { return s.enc.EndEncoding() }
func (s encoderShim) DiscardEncoding()                        { s.enc.DiscardEncoding() }

func (s encoderShim) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	s.enc.CopyBufferToBuffer(src, dst, regions)
}

// queueShim adapts hal.Queue to halQueue.
type queueShim struct{ q hal.Queue }

func (s queueShim) Submit(cmds []hal.CommandBuffer, f hal.Fence, value uint64) error {
	return s.q.Submit(cmds, f, value)
}

func (s queueShim) WriteBuffer(b hal.Buffer, offset uint64, data []byte) error {
	s.q.WriteBuffer(b, offset, data)
	return nil
}

// FromHAL wraps a host-owned HAL device and queue. Destroy releases the
// backend's own objects but leaves the device to its owner.
func FromHAL(dev hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if dev == nil || queue == nil {
		return nil, fmt.Errorf("native: nil HAL device or queue")
	}
	return newDevice(deviceShim{dev: dev}, queueShim{q: queue}, opts...), nil
}

// FromProvider wraps the shared device of a gpucontext provider, such as
// a gogpu window. The provider must also expose HalDevice() and
// HalQueue() returning hal.Device and hal.Queue.
func FromProvider(p gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := p.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	return FromHAL(dev, queue, opts...)
}
