package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
)

// DefaultFlushInterval bounds how often progress is written to the job row.
const DefaultFlushInterval = 10 * time.Second

// Progress buffers a job's counters and phase text and writes them to the
// job row at most once per flush interval. It also answers the
// cancellation question for the orchestrator.
type Progress struct {
	store    database.JobStore
	jobID    int64
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	state     syncjob.Progress
	dirty     bool
	lastFlush time.Time
}

// NewProgress creates a reporter for jobID. A zero interval uses
// DefaultFlushInterval.
func NewProgress(store database.JobStore, jobID int64, interval time.Duration) *Progress {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Progress{
		store:     store,
		jobID:     jobID,
		interval:  interval,
		now:       time.Now,
		lastFlush: time.Now(),
	}
}

// SetPhase replaces the human-readable phase text.
func (p *Progress) SetPhase(ctx context.Context, phase string) {
	p.mu.Lock()
	p.state.CurrentPhase = &phase
	p.dirty = true
	p.mu.Unlock()
	p.maybeFlush(ctx)
}

// ClearPhase drops the phase text, as a finished job shows none.
func (p *Progress) ClearPhase() {
	p.mu.Lock()
	p.state.CurrentPhase = nil
	p.dirty = true
	p.mu.Unlock()
}

// Increment adds n processed items.
func (p *Progress) Increment(ctx context.Context, n int) {
	p.mu.Lock()
	p.state.ProcessedItems += n
	p.dirty = true
	p.mu.Unlock()
	p.maybeFlush(ctx)
}

// SetTotal replaces the expected item count.
func (p *Progress) SetTotal(ctx context.Context, n int) {
	p.mu.Lock()
	p.state.TotalItems = n
	p.dirty = true
	p.mu.Unlock()
	p.maybeFlush(ctx)
}

// AddTotal grows the expected item count.
func (p *Progress) AddTotal(ctx context.Context, n int) {
	p.mu.Lock()
	p.state.TotalItems += n
	p.dirty = true
	p.mu.Unlock()
	p.maybeFlush(ctx)
}

// Throttled sets the rate-limit phase text. It has the signature the fetch
// clients expect for their throttle hook.
func (p *Progress) Throttled(ctx context.Context) func(time.Duration) {
	return func(wait time.Duration) {
		secs := int(math.Ceil(wait.Seconds()))
		p.SetPhase(ctx, fmt.Sprintf("Rate limited, waiting %ds for reset", secs))
	}
}

// Snapshot returns the buffered counters.
func (p *Progress) Snapshot() syncjob.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Progress) maybeFlush(ctx context.Context) {
	p.mu.Lock()
	due := p.dirty && p.now().Sub(p.lastFlush) >= p.interval
	p.mu.Unlock()
	if !due {
		return
	}
	if err := p.Flush(ctx); err != nil {
		slog.WarnContext(ctx, "progress flush failed", "error", err)
	}
}

// Flush writes the buffered counters if anything changed since the last write.
func (p *Progress) Flush(ctx context.Context) error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	snap := p.state
	p.dirty = false
	p.lastFlush = p.now()
	p.mu.Unlock()

	if err := p.store.UpdateSyncJobProgress(ctx, p.jobID, snap); err != nil {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return fmt.Errorf("flush progress of job %d: %w", p.jobID, err)
	}
	return nil
}

// ShouldStop reports whether the job has been cancelled. Only the status
// column is read. A failed read does not stop the job.
func (p *Progress) ShouldStop(ctx context.Context) bool {
	status, err := p.store.GetSyncJobStatus(ctx, p.jobID)
	if err != nil {
		slog.WarnContext(ctx, "cancellation check failed", "error", err)
		return false
	}
	return status == syncjob.StatusCancelled
}
