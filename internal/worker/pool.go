// Package worker bounds how many sync jobs a worker process runs at once.
package worker

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent job executions using a weighted semaphore. Every
// delivery a worker accepts runs through one shared Pool so a burst of
// queued jobs cannot exhaust API quotas or database connections.
type Pool struct {
	sem    *semaphore.Weighted
	limit  int
	active atomic.Int64
}

// NewPool creates a Pool that allows at most limit concurrent jobs.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil || p.sem == nil {
		return fn(ctx)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	p.active.Add(1)
	defer p.active.Add(-1)
	return fn(ctx)
}

// Active returns the number of jobs currently running.
func (p *Pool) Active() int {
	if p == nil {
		return 0
	}
	return int(p.active.Load())
}

// Limit returns the concurrency limit.
func (p *Pool) Limit() int {
	if p == nil {
		return 0
	}
	return p.limit
}
