package resilience

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// buffer is added to server-provided waits so the retry lands after the
// quota window has actually reopened.
const buffer = time.Second

// ThrottlePolicy decides how long to back off when an API signals that the
// caller is over quota.
type ThrottlePolicy struct {
	MaxRetries int
	ResetCap   time.Duration // upper bound for reset-header waits
	Fallback   time.Duration // used when the response carries no hint
}

// Throttled reports whether a response is a throttling signal. 429 always
// is. 403 only counts when allow403 is set and the response carries a
// quota marker, since GitHub uses 403 both for throttling and for missing
// permissions.
func Throttled(status int, h http.Header, allow403 bool) bool {
	switch status {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return allow403 && (h.Get("Retry-After") != "" || h.Get("X-RateLimit-Remaining") == "0")
	default:
		return false
	}
}

// Wait computes the back-off for a throttled response, preferring in order:
// an explicit Retry-After, the X-RateLimit-Reset epoch (capped at ResetCap),
// and finally the fixed fallback.
func (p ThrottlePolicy) Wait(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs)*time.Second + buffer
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			until := max(time.Unix(epoch, 0).Sub(now), 0)
			return min(until+buffer, p.ResetCap)
		}
	}
	return p.Fallback
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Remaining parses the X-RateLimit-Remaining header.
func Remaining(h http.Header) (int, bool) {
	v := h.Get("X-RateLimit-Remaining")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
