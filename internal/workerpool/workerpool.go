// Package workerpool bounds how many SAGA executions run concurrently, per
// spec §5's "parallel worker pool" scheduling model: different orders make
// progress concurrently and independently, but a single process shouldn't
// spawn unbounded goroutines under a submission burst. This replaces the
// teacher's ad hoc goroutine-per-request pattern in cmd/server/main.go with
// a bounded gate built on golang.org/x/sync/semaphore, already part of the
// teacher's dependency tree (pulled in indirectly via redisotel/go-redis).
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent task execution with a weighted semaphore.
type Pool struct {
	sem *semaphore.Weighted
}

// New constructs a Pool that allows at most maxConcurrent tasks to run at
// once.
func New(maxConcurrent int64) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Submit blocks until a slot is available (or ctx is done), then runs task
// in a new goroutine. Submit returns once task has started, not once it
// has finished; callers that need completion should have task report back
// on a channel or errgroup.
func (p *Pool) Submit(ctx context.Context, task func(context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		task(ctx)
	}()
	return nil
}

// Run blocks until a slot is available and then runs task synchronously,
// releasing the slot on return. Used by tests and by callers that already
// manage their own goroutine (e.g. one per incoming request) and just want
// backpressure.
func (p *Pool) Run(ctx context.Context, task func(context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	task(ctx)
	return nil
}
