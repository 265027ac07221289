// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vulkan

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/framesync/gpucore"
)

// driver is the slice of the Vulkan API FrameSync calls.
type driver interface {
	CreateFence(dev vk.Device, signaled bool) (vk.Fence, vk.Result)
	DestroyFence(dev vk.Device, f vk.Fence)
	GetFenceStatus(dev vk.Device, f vk.Fence) vk.Result
	WaitForFence(dev vk.Device, f vk.Fence, timeout uint64) vk.Result
	ResetFence(dev vk.Device, f vk.Fence) vk.Result
	CreateSemaphore(dev vk.Device) (vk.Semaphore, vk.Result)
	DestroySemaphore(dev vk.Device, s vk.Semaphore)
	DeviceWaitIdle(dev vk.Device) vk.Result
}

type vkDriver struct{}

func (vkDriver) CreateFence(dev vk.Device, signaled bool) (vk.Fence, vk.Result) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var f vk.Fence
	r := vk.CreateFence(dev, &info, nil, &f)
	return f, r
}

func (vkDriver) DestroyFence(dev vk.Device, f vk.Fence) { vk.DestroyFence(dev, f, nil) }

func (vkDriver) GetFenceStatus(dev vk.Device, f vk.Fence) vk.Result {
	return vk.GetFenceStatus(dev, f)
}

func (vkDriver) WaitForFence(dev vk.Device, f vk.Fence, timeout uint64) vk.Result {
	return vk.WaitForFences(dev, 1, []vk.Fence{f}, vk.True, timeout)
}

func (vkDriver) ResetFence(dev vk.Device, f vk.Fence) vk.Result {
	return vk.ResetFences(dev, 1, []vk.Fence{f})
}

func (vkDriver) CreateSemaphore(dev vk.Device) (vk.Semaphore, vk.Result) {
	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var s vk.Semaphore
	r := vk.CreateSemaphore(dev, &info, nil, &s)
	return s, r
}

func (vkDriver) DestroySemaphore(dev vk.Device, s vk.Semaphore) { vk.DestroySemaphore(dev, s, nil) }

func (vkDriver) DeviceWaitIdle(dev vk.Device) vk.Result { return vk.DeviceWaitIdle(dev) }

// FrameSync owns the fences and semaphores of a frame pacer on a Vulkan
// device. It is safe for concurrent use.
type FrameSync struct {
	dev    vk.Device
	drv    driver
	nextID atomic.Uint64

	mu         sync.RWMutex
	fences     map[gpucore.FenceID]vk.Fence
	semaphores map[gpucore.SemaphoreID]vk.Semaphore
}

var _ gpucore.FenceDevice = (*FrameSync)(nil)

// NewFrameSync creates a FrameSync on dev. The device stays owned by the
// caller.
func NewFrameSync(dev vk.Device) *FrameSync {
	return newFrameSync(dev, vkDriver{})
}

func newFrameSync(dev vk.Device, drv driver) *FrameSync {
	return &FrameSync{
		dev:        dev,
		drv:        drv,
		fences:     make(map[gpucore.FenceID]vk.Fence),
		semaphores: make(map[gpucore.SemaphoreID]vk.Semaphore),
	}
}

// Fence returns the VkFence for id, for use in vkQueueSubmit.
func (s *FrameSync) Fence(id gpucore.FenceID) (vk.Fence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fences[id]
	return f, ok
}

// Semaphore returns the VkSemaphore for id, for use in acquire, submit
// and present.
func (s *FrameSync) Semaphore(id gpucore.SemaphoreID) (vk.Semaphore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sem, ok := s.semaphores[id]
	return sem, ok
}

func (s *FrameSync) fence(id gpucore.FenceID) (vk.Fence, error) {
	f, ok := s.Fence(id)
	if !ok {
		return f, fmt.Errorf("vulkan: fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	return f, nil
}

// CreateFence implements gpucore.FenceDevice.
func (s *FrameSync) CreateFence(signaled bool) (gpucore.FenceID, error) {
	f, r := s.drv.CreateFence(s.dev, signaled)
	if r != vk.Success {
		return gpucore.InvalidID, resultOrGeneric("create fence", r)
	}
	id := gpucore.FenceID(s.nextID.Add(1))
	s.mu.Lock()
	s.fences[id] = f
	s.mu.Unlock()
	return id, nil
}

// DestroyFence implements gpucore.FenceDevice.
func (s *FrameSync) DestroyFence(id gpucore.FenceID) {
	s.mu.Lock()
	f, ok := s.fences[id]
	delete(s.fences, id)
	s.mu.Unlock()
	if ok {
		s.drv.DestroyFence(s.dev, f)
	}
}

// FenceStatus implements gpucore.FenceDevice.
func (s *FrameSync) FenceStatus(id gpucore.FenceID) (bool, error) {
	f, err := s.fence(id)
	if err != nil {
		return false, err
	}
	switch r := s.drv.GetFenceStatus(s.dev, f); r {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, resultOrGeneric("get fence status", r)
	}
}

// WaitFence implements gpucore.FenceDevice.
func (s *FrameSync) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	f, err := s.fence(id)
	if err != nil {
		return false, err
	}
	switch r := s.drv.WaitForFence(s.dev, f, timeoutNanos(timeout)); r {
	case vk.Success:
		return true, nil
	case vk.Timeout:
		return false, nil
	default:
		return false, resultOrGeneric("wait for fences", r)
	}
}

// ResetFence implements gpucore.FenceDevice.
func (s *FrameSync) ResetFence(id gpucore.FenceID) error {
	f, err := s.fence(id)
	if err != nil {
		return err
	}
	if r := s.drv.ResetFence(s.dev, f); r != vk.Success {
		return resultOrGeneric("reset fences", r)
	}
	return nil
}

// CreateSemaphore implements gpucore.FenceDevice.
func (s *FrameSync) CreateSemaphore() (gpucore.SemaphoreID, error) {
	sem, r := s.drv.CreateSemaphore(s.dev)
	if r != vk.Success {
		return gpucore.InvalidID, resultOrGeneric("create semaphore", r)
	}
	id := gpucore.SemaphoreID(s.nextID.Add(1))
	s.mu.Lock()
	s.semaphores[id] = sem
	s.mu.Unlock()
	return id, nil
}

// DestroySemaphore implements gpucore.FenceDevice.
func (s *FrameSync) DestroySemaphore(id gpucore.SemaphoreID) {
	s.mu.Lock()
	sem, ok := s.semaphores[id]
	delete(s.semaphores, id)
	s.mu.Unlock()
	if ok {
		s.drv.DestroySemaphore(s.dev, sem)
	}
}

// WaitIdle waits for the device to finish all work. Vulkan's idle wait
// has no timeout.
func (s *FrameSync) WaitIdle() error {
	if r := s.drv.DeviceWaitIdle(s.dev); r != vk.Success {
		return resultOrGeneric("device wait idle", r)
	}
	return nil
}

// Live returns the number of fences and semaphores still alive.
func (s *FrameSync) Live() (fences, semaphores int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fences), len(s.semaphores)
}

// resultOrGeneric is ResultError for calls where any non-success code,
// including status codes, is a failure.
func resultOrGeneric(op string, r vk.Result) error {
	if err := ResultError(op, r); err != nil {
		return err
	}
	return fmt.Errorf("vulkan: %s: unexpected result %d", op, r)
}

func timeoutNanos(d time.Duration) uint64 {
	if d < 0 {
		return math.MaxUint64
	}
	return uint64(d.Nanoseconds())
}
