package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// keyLen is the number of hex characters of the secret digest used as key.
const keyLen = 16

// Registry hands out one Bucket per distinct secret. Buckets are keyed by a
// digest prefix so raw secrets never live in the map, and are evicted after
// sitting idle longer than the TTL.
type Registry struct {
	mu      sync.Mutex
	name    string
	params  Params
	buckets map[string]*Bucket
	idleTTL time.Duration
	sweep   time.Duration
	now     func() time.Time
}

// NewRegistry creates an empty registry. name labels log lines ("github", "jira").
func NewRegistry(name string, p Params, idleTTL, sweepInterval time.Duration) *Registry {
	return &Registry{
		name:    name,
		params:  p,
		buckets: make(map[string]*Bucket),
		idleTTL: idleTTL,
		sweep:   sweepInterval,
		now:     time.Now,
	}
}

// Key returns the map key for a secret.
func Key(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:keyLen]
}

// For returns the bucket for the secret, creating a full one on first use.
func (r *Registry) For(secret string) *Bucket {
	k := Key(secret)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[k]
	if !ok {
		b = newBucket(r.params, r.now)
		r.buckets[k] = b
	}
	return b
}

// Sweep removes buckets idle since before now minus the TTL and returns how
// many were removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, b := range r.buckets {
		if b.LastUsed().Before(cutoff) {
			delete(r.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Serve sweeps idle buckets on every interval until ctx ends. It satisfies
// suture.Service so the worker can supervise it.
func (r *Registry) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				slog.Debug("rate limiters evicted", "system", r.name, "count", n, "remaining", r.Len())
			}
		}
	}
}

// String names the service in supervisor logs.
func (r *Registry) String() string { return "ratelimit-sweeper-" + r.name }
