package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a simple in-memory rate limiter using a sliding window
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, maxReqs int) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
		done:     make(chan struct{}),
	}

	// Cleanup goroutine to remove old entries
	go rl.cleanup()

	return rl
}

// Stop ends the cleanup goroutine. Allow still works after Stop; only the
// background eviction ends. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	filtered := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}

	if len(filtered) >= rl.maxReqs {
		rl.requests[key] = filtered
		return false
	}

	rl.requests[key] = append(filtered, now)
	return true
}

// cleanup periodically drops keys with no requests in the window so the map
// does not grow without bound.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window * 2)
		for key, reqs := range rl.requests {
			active := false
			for _, t := range reqs {
				if t.After(cutoff) {
					active = true
					break
				}
			}
			if !active {
				delete(rl.requests, key)
			}
		}
		rl.mu.Unlock()
	}
}

// SyncKey builds the rate limit key for a sync call: the device id when one
// was submitted, otherwise the caller's IP. Two tabs of the same device
// share a budget; so do all anonymous probes from one address.
func SyncKey(r *http.Request, deviceID string) string {
	if deviceID != "" {
		return "device:" + deviceID
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return "ip:" + strings.TrimSpace(ips[0])
	}
	return "ip:" + r.RemoteAddr
}
