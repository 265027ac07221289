// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package backend provides a registry of GPU device factories.
//
// Backends register a factory from init() and are selected at runtime.
// The native backend registers itself on import:
//
//	import _ "github.com/gogpu/framesync/backend/native"
//
// # Backend Selection
//
// Use Default() to open the best available backend, or Open() to request
// a specific backend by name:
//
//	dev, err := backend.Default(ctx)
//
//	// Or request a specific backend
//	dev, err := backend.Open(ctx, backend.BackendNative)
//
// Get() returns the factory itself, which is what framesync needs to
// recreate the device during recovery:
//
//	m, err := framesync.New(dev,
//	    framesync.WithDeviceFactory(framesync.DeviceFactory(backend.Get(backend.BackendNative))))
package backend
