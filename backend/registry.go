// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	backendPriority = []string{BackendNative}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get returns the factory registered under name, or nil.
func Get(name string) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backends[name]
}

// Open opens a device from the named backend.
func Open(ctx context.Context, name string) (gpucore.Device, error) {
	factory := Get(name)
	if factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return factory(ctx)
}

// Default opens a device from the best available backend based on
// priority, then from any other registered backend. It returns the
// errors of every backend that failed.
func Default(ctx context.Context) (gpucore.Device, error) {
	registryMu.RLock()
	order := make([]string, 0, len(backends))
	for _, name := range backendPriority {
		if _, ok := backends[name]; ok {
			order = append(order, name)
		}
	}
	for _, name := range sortedKeys(backends) {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	registryMu.RUnlock()

	if len(order) == 0 {
		return nil, ErrBackendNotAvailable
	}
	var errs []error
	for _, name := range order {
		dev, err := Open(ctx, name)
		if err == nil {
			logging.Logger().Info("backend: device opened", "backend", name)
			return dev, nil
		}
		logging.Logger().Debug("backend: open failed", "backend", name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, errors.Join(errs...))
}

func sortedKeys(m map[string]Factory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
