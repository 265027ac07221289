// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"log/slog"

	"github.com/gogpu/framesync/internal/logging"
)

// SetLogger configures the logger for framesync and all its sub-packages.
// By default, framesync produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by framesync:
//   - [slog.LevelDebug]: pacing and timeline diagnostics (slot waits, skipped submissions)
//   - [slog.LevelInfo]: lifecycle events (recovery started and finished, primitive recreated)
//   - [slog.LevelWarn]: non-fatal issues (intentional leaks, drain timeouts, skipped frames)
//   - [slog.LevelError]: failed recovery attempts
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	framesync.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by framesync.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}
