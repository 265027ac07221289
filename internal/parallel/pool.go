// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package parallel runs background jobs, such as asynchronous buffer
// uploads, on a fixed set of worker goroutines.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/framesync/internal/logging"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("parallel: pool closed")

// WorkerPool is a pool of goroutines for background GPU work.
//
// Each worker owns a queue. Workers steal from other queues when their own
// is empty, so a slow upload on one worker does not hold back the rest.
// A panicking job is logged and does not take its worker down.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers    int
	workQueues []chan func()
	done       chan struct{}
	wg         sync.WaitGroup

	// inflight counts accepted jobs that have not finished.
	inflight sync.WaitGroup
	running  atomic.Bool
	next     atomic.Uint64
	panics   atomic.Int64

	// closeMu makes Close wait for Submit calls that passed the running
	// check, so no job is enqueued after the workers drained.
	closeMu sync.RWMutex
}

// NewWorkerPool creates a pool with the given number of workers. If
// workers is 0 or negative, GOMAXPROCS is used. Workers start immediately.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drainQueue(own)
			return
		case job := <-own:
			p.run(job)
		default:
			if stolen := p.steal(id); stolen != nil {
				p.run(stolen)
				continue
			}
			select {
			case <-p.done:
				p.drainQueue(own)
				return
			case job := <-own:
				p.run(job)
			}
		}
	}
}

func (p *WorkerPool) run(job func()) {
	if job == nil {
		return
	}
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logging.Logger().Error("parallel: job panicked", "panic", fmt.Sprint(r))
		}
	}()
	job()
}

func (p *WorkerPool) drainQueue(queue chan func()) {
	for {
		select {
		case job := <-queue:
			p.run(job)
		default:
			return
		}
	}
}

// steal takes one job from another worker's queue, or returns nil.
func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case job := <-p.workQueues[i]:
			return job
		default:
		}
	}
	return nil
}

// Submit queues fn, blocking while every queue is full. It returns
// ErrClosed after Close and ctx.Err() if ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) error {
	if fn == nil {
		return nil
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if !p.running.Load() {
		return ErrClosed
	}

	start := int(p.next.Add(1) % uint64(p.workers))
	p.inflight.Add(1)
	// Shortest queue first, starting from a rotating index.
	target := start
	for i := 1; i < p.workers; i++ {
		idx := (start + i) % p.workers
		if len(p.workQueues[idx]) < len(p.workQueues[target]) {
			target = idx
		}
	}
	select {
	case p.workQueues[target] <- fn:
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return ctx.Err()
	}
}

// Wait blocks until every accepted job has finished.
func (p *WorkerPool) Wait() { p.inflight.Wait() }

// Close stops accepting work, runs what is queued and stops the workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if !p.running.CompareAndSwap(true, false) {
		p.closeMu.Unlock()
		return
	}
	p.closeMu.Unlock()
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// QueuedWork returns the approximate number of queued jobs.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}

// Panics returns how many jobs panicked.
func (p *WorkerPool) Panics() int64 { return p.panics.Load() }
