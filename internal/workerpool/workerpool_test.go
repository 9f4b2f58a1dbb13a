package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExecutesSynchronously(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	var ran bool
	if err := p.Run(ctx, func(context.Context) { ran = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected Run to execute the task before returning")
	}
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	var current, max int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	// Submit blocks once both slots are taken, so the submissions run on
	// their own goroutine while this one releases the held tasks.
	wg.Add(5)
	go func() {
		for i := 0; i < 5; i++ {
			if err := p.Submit(ctx, func(context.Context) {
				defer wg.Done()
				n := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&max)
					if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&current, -1)
			}); err != nil {
				wg.Done()
				t.Errorf("unexpected error on submit %d: %v", i, err)
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&max); got > 2 {
		t.Fatalf("expected at most 2 tasks to run concurrently, observed %d", got)
	}
}

func TestSubmitRespectsCancelledContext(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	if err := p.Submit(context.Background(), func(context.Context) { <-release }); err != nil {
		t.Fatalf("unexpected error occupying the only slot: %v", err)
	}

	err := p.Submit(ctx, func(context.Context) {})
	close(release)
	if err == nil {
		t.Fatalf("expected Submit to fail once the context is already cancelled and no slot is free")
	}
}
