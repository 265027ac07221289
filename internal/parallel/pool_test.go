// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// WorkerPool Creation Tests
// =============================================================================

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestWorkerPool_CreateZeroWorkers(t *testing.T) {
	for _, n := range []int{0, -5} {
		pool := NewWorkerPool(n)
		if want := runtime.GOMAXPROCS(0); pool.Workers() != want {
			t.Errorf("NewWorkerPool(%d).Workers() = %d, want %d (GOMAXPROCS)", n, pool.Workers(), want)
		}
		pool.Close()
	}
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestWorkerPool_Submit(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	for range 100 {
		if err := pool.Submit(context.Background(), func() { counter.Add(1) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	pool.Wait()
	if counter.Load() != 100 {
		t.Errorf("counter = %d, want 100", counter.Load())
	}
}

func TestWorkerPool_Submit_Nil(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	if err := pool.Submit(context.Background(), nil); err != nil {
		t.Errorf("Submit(nil) error = %v", err)
	}
	pool.Wait()
}

func TestWorkerPool_SubmitContextCanceled(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	pool.Submit(context.Background(), func() {
		close(started)
		<-block
	})
	<-started
	// Fill the single queue so the next Submit has to wait.
	for range 8 {
		pool.Submit(context.Background(), func() {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() error = %v, want DeadlineExceeded", err)
	}
}

func TestWorkerPool_PanicIsContained(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	var ran atomic.Bool
	pool.Submit(context.Background(), func() { panic("boom") })
	pool.Submit(context.Background(), func() { ran.Store(true) })
	pool.Wait()

	if pool.Panics() != 1 {
		t.Errorf("Panics() = %d, want 1", pool.Panics())
	}
	if !ran.Load() {
		t.Error("worker should keep running after a panic")
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()
	if pool.IsRunning() {
		t.Error("Pool should not be running after Close")
	}
}

func TestWorkerPool_CloseRunsPendingWork(t *testing.T) {
	pool := NewWorkerPool(2)

	var counter atomic.Int64
	for range 50 {
		pool.Submit(context.Background(), func() {
			time.Sleep(100 * time.Microsecond)
			counter.Add(1)
		})
	}
	pool.Close()

	if counter.Load() != 50 {
		t.Errorf("counter = %d, want 50 (queued work must finish)", counter.Load())
	}
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()

	if err := pool.Submit(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

// =============================================================================
// Scheduling Tests
// =============================================================================

func TestWorkerPool_WorkStealing(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	// One slow job must not serialize the others behind it.
	slow := make(chan struct{})
	pool.Submit(context.Background(), func() { <-slow })

	var counter atomic.Int64
	for range 20 {
		pool.Submit(context.Background(), func() { counter.Add(1) })
	}
	deadline := time.Now().Add(time.Second)
	for counter.Load() < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(slow)
	pool.Wait()

	if counter.Load() != 20 {
		t.Errorf("counter = %d, want 20 while one worker is busy", counter.Load())
	}
}

func TestWorkerPool_ConcurrentSubmit(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	done := make(chan struct{})
	for range 8 {
		go func() {
			for range 50 {
				pool.Submit(context.Background(), func() { counter.Add(1) })
			}
			done <- struct{}{}
		}()
	}
	for range 8 {
		<-done
	}
	pool.Wait()
	if counter.Load() != 400 {
		t.Errorf("counter = %d, want 400", counter.Load())
	}
}

func TestWorkerPool_NoGoroutineLeak(t *testing.T) {
	before := runtime.NumGoroutine()
	for range 10 {
		pool := NewWorkerPool(4)
		pool.Submit(context.Background(), func() {})
		pool.Close()
	}
	time.Sleep(10 * time.Millisecond)
	if after := runtime.NumGoroutine(); after > before+2 {
		t.Errorf("goroutines before = %d, after = %d", before, after)
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		pool.Submit(ctx, func() {})
	}
	pool.Wait()
}
