// Package middleware holds the per-connection checks that sit between frame
// decode and routing.
package middleware

import (
	"log"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/config"
)

// RateLimiter enforces the per-client inbound message limit.
//
// Uses a sliding window algorithm: each window tracks message counts per
// client id, and expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow

	enabled   bool
	perMinute int
	burst     int
	logger    *log.Logger

	stop chan struct{}
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter from the runtime profile and starts its
// cleanup loop.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	factor := cfg.BurstFactor
	if factor < 1 {
		factor = 2.0
	}

	rl := &RateLimiter{
		windows:   make(map[string]*rateLimitWindow),
		enabled:   cfg.Enabled,
		perMinute: perMinute,
		burst:     int(float64(perMinute) * factor),
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:      make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the client may send another message in the current
// window. Counts within the per-minute budget pass; short bursts up to the
// burst ceiling pass too.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.enabled {
		return true
	}
	now := time.Now()

	// Fast path: active window under the read lock. The count increment can
	// race slightly; rate limiting is a soft limit.
	rl.mu.RLock()
	window, exists := rl.windows[clientID]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.burst {
			rl.logger.Printf("rate limit exceeded (burst): client=%s count=%d limit=%d",
				clientID, count, rl.burst)
			return false
		}
		if count > rl.perMinute {
			rl.logger.Printf("rate limit exceeded: client=%s count=%d limit=%d",
				clientID, count, rl.perMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Re-check: another goroutine may have opened the window.
	window, exists = rl.windows[clientID]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.burst
	}

	rl.windows[clientID] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Forget drops a client's window on disconnect.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	delete(rl.windows, clientID)
	rl.mu.Unlock()
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stats returns current limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"enabled":           rl.enabled,
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.perMinute,
		"burst_size":        rl.burst,
	}
}
