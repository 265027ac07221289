// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package logging holds the logger shared by every framesync sub-package.
// The root package's SetLogger is the only writer.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// NewNop creates a logger that silently discards all output.
func NewNop() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically for thread safety.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(NewNop())
}

// Logger returns the current logger.
func Logger() *slog.Logger { return loggerPtr.Load() }

// Set updates the shared logger. nil restores the silent default.
func Set(l *slog.Logger) {
	if l == nil {
		l = NewNop()
	}
	loggerPtr.Store(l)
}
