package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/ratelimit"
)

// RateLimiter is per-client-IP token bucket middleware. Buckets come from a
// ratelimit.Registry, whose sweeper evicts idle clients.
type RateLimiter struct {
	buckets *ratelimit.Registry
	params  ratelimit.Params
}

// NewRateLimiter creates a limiter allowing burst requests per client,
// refilled at rate requests per second.
func NewRateLimiter(rate float64, burst int, idleTTL time.Duration) *RateLimiter {
	p := ratelimit.Params{
		MaxTokens:      burst,
		RefillRate:     1,
		RefillInterval: time.Duration(float64(time.Second) / rate),
	}
	return &RateLimiter{
		buckets: ratelimit.NewRegistry("http", p, idleTTL, idleTTL),
		params:  p,
	}
}

// Registry exposes the bucket registry so its sweeper can be supervised.
func (rl *RateLimiter) Registry() *ratelimit.Registry { return rl.buckets }

// Handler returns HTTP middleware that enforces per-IP rate limiting.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := rl.buckets.For(realIP(r))
		if !b.TryAcquire() {
			wait := math.Ceil(rl.params.RefillInterval.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", max(wait, 1)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", b.Tokens()))
		next.ServeHTTP(w, r)
	})
}

// realIP extracts the client IP from RemoteAddr.
// Proxy headers (X-Forwarded-For, X-Real-Ip) are NOT trusted because
// they can be spoofed to bypass rate limiting.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
