package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window in-memory rate limiter keyed by an
// arbitrary string (client IP, attempt id).
type RateLimiter struct {
	requests map[string][]time.Time
	lock     sync.Mutex
	window   time.Duration
	max      int
	now      func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		max:      max,
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it fits in the window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	now := rl.now()
	windowStart := now.Add(-rl.window)

	// Clean old requests
	var validRequests []time.Time
	for _, reqTime := range rl.requests[key] {
		if reqTime.After(windowStart) {
			validRequests = append(validRequests, reqTime)
		}
	}

	if len(validRequests) >= rl.max {
		rl.requests[key] = validRequests
		return false
	}

	validRequests = append(validRequests, now)
	rl.requests[key] = validRequests
	return true
}

// Reset forgets every request recorded for key.
func (rl *RateLimiter) Reset(key string) {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	delete(rl.requests, key)
}

// Prune drops keys whose requests all fell out of the window and returns how
// many were dropped.
func (rl *RateLimiter) Prune() int {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	windowStart := rl.now().Add(-rl.window)
	pruned := 0
	for key, times := range rl.requests {
		if len(times) == 0 || !times[len(times)-1].After(windowStart) {
			delete(rl.requests, key)
			pruned++
		}
	}
	return pruned
}
