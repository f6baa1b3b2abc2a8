package server

import (
	"fmt"
	"sync"
	"time"

	"judgement-server/internal/judgement"
)

// RateLimiter applies a sliding window per connection: a message is
// allowed while fewer than maxMessages landed within the window.
type RateLimiter struct {
	maxMessages int
	window      time.Duration
	requests    map[string][]time.Time // connectionID -> recent message times
	mu          sync.Mutex
}

func NewRateLimiter(maxMessages int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxMessages: maxMessages,
		window:      window,
		requests:    make(map[string][]time.Time),
	}
}

func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	recent := make([]time.Time, 0, len(r.requests[connectionID]))
	for _, ts := range r.requests[connectionID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= r.maxMessages {
		r.requests[connectionID] = recent
		return false
	}

	r.requests[connectionID] = append(recent, now)
	return true
}

// RemoveConnection drops rate limit state when a websocket disconnects.
func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

// ValidateDisplayName checks the name a player wants to go by.
func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("Player name is required")
	}
	if len(name) > judgement.MaxDisplayNameLen {
		return fmt.Errorf("Player name too long (max %d characters)", judgement.MaxDisplayNameLen)
	}
	return nil
}
