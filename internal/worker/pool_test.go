package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const jobs = 10
	pool := NewPool(limit)

	var running atomic.Int32
	var maxSeen atomic.Int32

	ctx := context.Background()
	done := make(chan struct{}, jobs)

	for range jobs {
		go func() {
			defer func() { done <- struct{}{} }()
			err := pool.Run(ctx, func(context.Context) error {
				cur := running.Add(1)
				for {
					old := maxSeen.Load()
					if cur <= old || maxSeen.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	for range jobs {
		<-done
	}

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
	if pool.Active() != 0 {
		t.Errorf("Active() = %d after all jobs finished", pool.Active())
	}
}

func TestPoolContextCancellation(t *testing.T) {
	pool := NewPool(1)
	ctx := context.Background()

	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = pool.Run(ctx, func(context.Context) error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	if pool.Active() != 1 {
		t.Errorf("Active() = %d, want 1", pool.Active())
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err := pool.Run(cancelCtx, func(context.Context) error {
		t.Error("fn should not have been called")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(release)
}

func TestPoolReturnsJobError(t *testing.T) {
	pool := NewPool(2)
	boom := errors.New("boom")
	if err := pool.Run(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestPoolClampMinLimit(t *testing.T) {
	pool := NewPool(0)
	if pool.Limit() != 1 {
		t.Fatalf("Limit() = %d, want 1", pool.Limit())
	}
	if err := pool.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error with limit=0 (should clamp to 1): %v", err)
	}
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var pool *Pool
	called := false
	if err := pool.Run(context.Background(), func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("fn not called")
	}
}
