package approval

import (
	"context"
	"sync"
	"time"
)

// rateWindow is one minute of counting for a single key.
type rateWindow struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a per-key sliding window. Keys are scopes like
// "node:<id>" or "mesh"; the limit comes in per call because node and
// mesh scopes carry different budgets from the approval config.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
}

// NewRateLimiter builds an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*rateWindow)}
}

// Allow counts one call against key and reports whether it stays
// within limit calls per minute. limit <= 0 means unlimited.
//
// Read-first locking: the common case (window already open) only
// takes the read lock; the racy count++ under RLock is acceptable
// for a soft limit.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.RLock()
	w, ok := rl.windows[key]
	if ok && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		count := w.count
		rl.mu.RUnlock()
		return count <= limit
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok = rl.windows[key]
	if ok && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		return w.count <= limit
	}
	rl.windows[key] = &rateWindow{count: 1, windowStart: now}
	return true
}

// Run garbage-collects expired windows until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// ActiveWindows reports how many keys are currently tracked.
func (rl *RateLimiter) ActiveWindows() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.windows)
}
