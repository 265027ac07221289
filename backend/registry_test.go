// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/fakegpu"
)

func fakeFactory(context.Context) (gpucore.Device, error) { return fakegpu.New(), nil }

func failingFactory(context.Context) (gpucore.Device, error) { return nil, errors.New("no adapter") }

func TestRegister(t *testing.T) {
	Register("test-fake", fakeFactory)
	t.Cleanup(func() { Unregister("test-fake") })

	if !IsRegistered("test-fake") {
		t.Error("IsRegistered() = false after Register")
	}
	if !slices.Contains(Available(), "test-fake") {
		t.Errorf("Available() = %v, missing test-fake", Available())
	}
	if Get("test-fake") == nil {
		t.Error("Get() returned nil")
	}

	Unregister("test-fake")
	if IsRegistered("test-fake") {
		t.Error("IsRegistered() = true after Unregister")
	}
}

func TestOpen(t *testing.T) {
	Register("test-fake", fakeFactory)
	t.Cleanup(func() { Unregister("test-fake") })

	dev, err := Open(context.Background(), "test-fake")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := dev.(*fakegpu.Device); !ok {
		t.Errorf("Open() = %T, want *fakegpu.Device", dev)
	}
	if _, err := Open(context.Background(), "missing"); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open(missing) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestDefaultFallsBack(t *testing.T) {
	saved := snapshotRegistry()
	t.Cleanup(func() { restoreRegistry(saved) })
	restoreRegistry(nil)

	if _, err := Default(context.Background()); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Default(empty) error = %v, want ErrBackendNotAvailable", err)
	}

	Register(BackendNative, failingFactory)
	Register("zz-fake", fakeFactory)
	dev, err := Default(context.Background())
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if dev == nil {
		t.Fatal("Default() returned nil device")
	}

	Unregister("zz-fake")
	_, err = Default(context.Background())
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Default(all failing) error = %v, want ErrBackendNotAvailable", err)
	}
}

func snapshotRegistry() map[string]Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m := make(map[string]Factory, len(backends))
	for k, v := range backends {
		m[k] = v
	}
	return m
}

func restoreRegistry(m map[string]Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends = make(map[string]Factory, len(m))
	for k, v := range m {
		backends[k] = v
	}
}
