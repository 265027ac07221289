// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package upload copies host data into GPU buffers through staging buffers
// and immediate submissions, synchronously or on background workers.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framesync/cleanup"
	"github.com/gogpu/framesync/gpucore"
	"github.com/gogpu/framesync/internal/logging"
	"github.com/gogpu/framesync/internal/metrics"
	"github.com/gogpu/framesync/internal/parallel"
	"github.com/gogpu/framesync/submit"
)

// DefaultConcurrency bounds UploadAll when no limit is configured.
const DefaultConcurrency = 4

// Package errors.
var (
	// ErrInvalidRequest is returned for an empty payload or a missing
	// destination.
	ErrInvalidRequest = errors.New("upload: invalid request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("upload: uploader closed")
)

// Request is one host-to-buffer copy.
type Request struct {
	Label  string
	Dst    gpucore.BufferID
	Offset uint64
	Data   []byte
}

// Handle identifies a finished upload.
type Handle struct {
	// Value is the timeline value the copy signaled.
	Value uint64
	Bytes int
}

// Submitter runs an immediate submission. *submit.Submitter implements it.
type Submitter interface {
	Submit(label string, record submit.RecordFunc) (submit.Result, error)
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithWorkers sets the number of background workers for UploadAsync.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(u *Uploader) { u.workers = n }
}

// WithConcurrency bounds how many uploads UploadAll runs at once.
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.limit = n
		}
	}
}

// WithMetrics routes upload results to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(u *Uploader) { u.metrics = c }
}

// Uploader performs staged uploads. It is safe for concurrent use.
type Uploader struct {
	dev     gpucore.BufferDevice
	sub     Submitter
	workers int
	limit   int
	metrics *metrics.Collectors

	mu     sync.Mutex
	pool   *parallel.WorkerPool
	closed bool
	leaked []cleanup.Buffer
}

// New creates an Uploader that stages through dev and submits with sub.
func New(dev gpucore.BufferDevice, sub Submitter, opts ...Option) *Uploader {
	u := &Uploader{dev: dev, sub: sub, limit: DefaultConcurrency}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Rebind points the Uploader at a recreated device and submitter. Uploads
// already running finish against the device they started on.
func (u *Uploader) Rebind(dev gpucore.BufferDevice, sub Submitter) {
	u.mu.Lock()
	u.dev, u.sub = dev, sub
	u.mu.Unlock()
}

func (u *Uploader) targets() (gpucore.BufferDevice, Submitter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dev, u.sub
}

// Upload copies req.Data into req.Dst at req.Offset and waits for the copy
// to complete. The staging buffer is destroyed only when the submission's
// command buffer was freed; otherwise it is kept alive with it.
func (u *Uploader) Upload(req Request) (Handle, error) {
	if len(req.Data) == 0 || req.Dst == gpucore.InvalidID {
		u.metrics.Upload("error")
		return Handle{}, fmt.Errorf("%w: %d bytes to buffer %d", ErrInvalidRequest, len(req.Data), req.Dst)
	}
	dev, sub := u.targets()
	label := req.Label
	if label == "" {
		label = "upload"
	}
	size := uint64(len(req.Data))

	staging, err := dev.CreateBuffer(&gpucore.BufferDesc{
		Label: label + " staging",
		Size:  size,
		Usage: gpucore.BufferUsageMapWrite | gpucore.BufferUsageCopySrc,
	})
	if err != nil {
		u.metrics.Upload("error")
		return Handle{}, fmt.Errorf("upload %q: create staging: %w", label, err)
	}
	if err := dev.WriteBuffer(staging, 0, req.Data); err != nil {
		dev.DestroyBuffer(staging)
		u.metrics.Upload("error")
		return Handle{}, fmt.Errorf("upload %q: write staging: %w", label, err)
	}

	res, err := sub.Submit(label, func(enc gpucore.CommandEncoder) error {
		enc.CopyBufferToBuffer(staging, req.Dst, []gpucore.BufferCopy{{
			SrcOffset: 0,
			DstOffset: req.Offset,
			Size:      size,
		}})
		return nil
	})
	switch res.Outcome {
	case submit.OutcomeFreed:
		dev.DestroyBuffer(staging)
	case submit.OutcomeLeaked:
		u.mu.Lock()
		u.leaked = append(u.leaked, cleanup.Buffer{Dev: dev, ID: staging})
		u.mu.Unlock()
		logging.Logger().Warn("upload: leaking staging buffer with its command buffer",
			"label", label, "reason", res.Reason)
	default:
		dev.DestroyBuffer(staging)
	}
	if err != nil {
		u.metrics.Upload(resultLabel(res.Outcome))
		return Handle{Value: res.Value}, fmt.Errorf("upload %q: %w", label, err)
	}
	u.metrics.Upload("ok")
	return Handle{Value: res.Value, Bytes: len(req.Data)}, nil
}

func resultLabel(o submit.Outcome) string {
	if o == submit.OutcomeLeaked {
		return "leaked"
	}
	return "error"
}

// UploadAsync queues req on a background worker and calls done, if not
// nil, on that worker when the upload finishes.
func (u *Uploader) UploadAsync(ctx context.Context, req Request, done func(Handle, error)) error {
	pool, err := u.ensurePool()
	if err != nil {
		return err
	}
	err = pool.Submit(ctx, func() {
		h, err := u.Upload(req)
		if done != nil {
			done(h, err)
		}
	})
	if errors.Is(err, parallel.ErrClosed) {
		return ErrClosed
	}
	return err
}

// UploadAll runs reqs concurrently, bounded by the configured concurrency,
// and returns their handles in request order. The first error cancels the
// uploads that have not started.
func (u *Uploader) UploadAll(ctx context.Context, reqs []Request) ([]Handle, error) {
	handles := make([]Handle, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.limit)
	for i, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := u.Upload(req)
			handles[i] = h
			return err
		})
	}
	return handles, g.Wait()
}

// Wait blocks until every queued async upload has finished.
func (u *Uploader) Wait() {
	if p := u.workerPool(); p != nil {
		p.Wait()
	}
}

func (u *Uploader) ensurePool() (*parallel.WorkerPool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrClosed
	}
	if u.pool == nil {
		u.pool = parallel.NewWorkerPool(u.workers)
	}
	return u.pool, nil
}

func (u *Uploader) workerPool() *parallel.WorkerPool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pool
}

// Leaked returns how many staging buffers are held back.
func (u *Uploader) Leaked() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.leaked)
}

// ReleaseLeaked destroys the held-back staging buffers. The caller
// guarantees the copies reading them are no longer executing.
func (u *Uploader) ReleaseLeaked() int {
	u.mu.Lock()
	ids := u.leaked
	u.leaked = nil
	u.mu.Unlock()
	for _, b := range ids {
		b.Destroy()
	}
	return len(ids)
}

// Close stops the background workers after running queued uploads.
func (u *Uploader) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	if p := u.workerPool(); p != nil {
		p.Close()
	}
}
