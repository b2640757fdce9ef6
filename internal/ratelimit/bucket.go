// Package ratelimit provides the per-credential token buckets that gate
// outbound calls to external APIs.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Acquire when no token became available in time.
var ErrTimeout = errors.New("rate limit timeout: could not acquire token")

// DefaultPollInterval is how often a blocked Acquire re-checks the bucket.
const DefaultPollInterval = time.Second

// Params configures a bucket: MaxTokens capacity, refilled by RefillRate
// tokens every RefillInterval.
type Params struct {
	MaxTokens      int
	RefillRate     int
	RefillInterval time.Duration
}

// Bucket is a token bucket with lazy refill. Nothing runs in the background:
// tokens are recomputed from elapsed time whenever the bucket is touched.
// The token count is always within [0, MaxTokens].
type Bucket struct {
	mu         sync.Mutex
	params     Params
	tokens     int
	lastRefill time.Time
	lastUsed   time.Time

	now  func() time.Time
	poll time.Duration
}

// NewBucket returns a full bucket.
func NewBucket(p Params) *Bucket {
	return newBucket(p, time.Now)
}

func newBucket(p Params, now func() time.Time) *Bucket {
	if p.MaxTokens < 1 {
		p.MaxTokens = 1
	}
	if p.RefillInterval <= 0 {
		p.RefillInterval = time.Hour
	}
	t := now()
	return &Bucket{
		params:     p,
		tokens:     p.MaxTokens,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
		poll:       DefaultPollInterval,
	}
}

// refill adds the tokens earned since the last refill. lastRefill only moves
// when at least one token was added, so slow trickles are not lost.
// Caller must hold mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	amount := int(float64(elapsed) / float64(b.params.RefillInterval) * float64(b.params.RefillRate))
	if amount > 0 {
		b.tokens = min(b.params.MaxTokens, b.tokens+amount)
		b.lastRefill = now
	}
}

// tryTake consumes a token if one is available.
func (b *Bucket) tryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.lastUsed = b.now()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// TryAcquire consumes a token without waiting and reports whether one was
// available.
func (b *Bucket) TryAcquire() bool {
	return b.tryTake()
}

// Acquire consumes one token, waiting up to maxWait for one to become
// available. It returns ErrTimeout when the wait is exhausted, or the
// context error if ctx ends first.
func (b *Bucket) Acquire(ctx context.Context, maxWait time.Duration) error {
	if b.tryTake() {
		return nil
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if b.tryTake() {
				return nil
			}
			return ErrTimeout
		case <-ticker.C:
			if b.tryTake() {
				return nil
			}
		}
	}
}

// UpdateFromHeaders clamps the bucket to the remaining quota reported by the
// server. Values above MaxTokens are capped, negative values floor at zero.
func (b *Bucket) UpdateFromHeaders(remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = max(0, min(b.params.MaxTokens, remaining))
}

// Drain empties the bucket, used while waiting out a throttle response.
func (b *Bucket) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = 0
}

// Fill resets the bucket to capacity after a throttle window has passed.
func (b *Bucket) Fill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.params.MaxTokens
	b.lastRefill = b.now()
}

// Tokens returns the current token count after applying any pending refill.
func (b *Bucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// LastUsed returns when the bucket was last asked for a token.
func (b *Bucket) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
