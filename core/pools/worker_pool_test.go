package pools

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Start()
	defer pool.Close()

	done := make(chan bool)
	var counter atomic.Int64

	// Submit 100 tasks
	for i := 0; i < 100; i++ {
		pool.Submit(func() {
			counter.Add(1)
		})
	}

	// Wait for completion
	go func() {
		for {
			stats := pool.Stats()
			if stats.TasksCompleted >= 100 {
				done <- true
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		if counter.Load() != 100 {
			t.Errorf("Expected 100 tasks completed, got %d", counter.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Test timeout")
	}
}

func TestWorkerPool_SubmitBeforeStart(t *testing.T) {
	pool := NewWorkerPool(1)

	const m = 50
	var mu sync.Mutex
	order := make([]int, 0, m)
	runs := make([]int, m)

	for i := 0; i < m; i++ {
		i := i
		if !pool.Submit(func() {
			mu.Lock()
			order = append(order, i)
			runs[i]++
			mu.Unlock()
		}) {
			t.Fatalf("Submit %d rejected", i)
		}
	}

	if pending := pool.Pending(); pending != m {
		t.Fatalf("Expected %d pending tasks before start, got %d", m, pending)
	}

	pool.Start()
	pool.Close()

	if len(order) != m {
		t.Fatalf("Expected %d tasks executed, got %d", m, len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Expected enqueue order, position %d ran task %d", i, v)
		}
	}
	for i, n := range runs {
		if n != 1 {
			t.Errorf("Task %d executed %d times", i, n)
		}
	}
}

func TestWorkerPool_CloseDrainsQueue(t *testing.T) {
	pool := NewWorkerPool(2)

	release := make(chan struct{})
	var counter atomic.Int64

	// Occupy both workers so later tasks stay queued
	for i := 0; i < 2; i++ {
		pool.Submit(func() {
			<-release
			counter.Add(1)
		})
	}
	for i := 0; i < 20; i++ {
		pool.Submit(func() {
			counter.Add(1)
		})
	}
	pool.Start()

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	if got := counter.Load(); got != 22 {
		t.Errorf("Expected 22 tasks executed before exit, got %d", got)
	}
	if pool.Submit(func() {}) {
		t.Error("Submit after Close should be rejected")
	}
}

func TestWorkerPool_CloseWithoutStart(t *testing.T) {
	pool := NewWorkerPool(3)

	var counter atomic.Int64
	for i := 0; i < 10; i++ {
		pool.Submit(func() { counter.Add(1) })
	}
	pool.Close()

	if got := counter.Load(); got != 10 {
		t.Errorf("Expected queued tasks to run on Close, got %d", got)
	}
}

func TestWorkerPool_PanicDoesNotKillWorker(t *testing.T) {
	var recovered atomic.Int64
	pool := NewWorkerPool(1, WithPanicHandler(func(v any) {
		recovered.Add(1)
	}))
	pool.Start()

	var counter atomic.Int64
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { counter.Add(1) })
	pool.Close()

	if recovered.Load() != 1 {
		t.Errorf("Expected 1 recovered panic, got %d", recovered.Load())
	}
	if counter.Load() != 1 {
		t.Error("Task after panic did not run")
	}

	stats := pool.Stats()
	if stats.TasksPanicked != 1 || stats.TasksCompleted != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(8)
	pool.Start()
	defer pool.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.Submit(func() {
				// Simulate some work
				_ = 1 + 1
			})
		}
	})

	// Wait for completion
	for {
		stats := pool.Stats()
		if stats.TasksCompleted >= uint64(b.N) {
			break
		}
		time.Sleep(1 * time.Millisecond)
	}
}
