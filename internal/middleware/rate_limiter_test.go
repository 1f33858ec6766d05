package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arqonbus/arqonbus/internal/config"
)

func TestAllowWithinBudget(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 5, BurstFactor: 2.0})
	defer rl.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("c1"), "message %d within budget", i)
	}
	assert.False(t, rl.Allow("c1"), "sixth message exceeds the per-minute budget")
}

func TestBurstCeiling(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 2, BurstFactor: 2.0})
	defer rl.Close()

	rl.Allow("c1")
	rl.Allow("c1")
	assert.False(t, rl.Allow("c1"))
	// Burst ceiling is 4; everything past it stays rejected.
	assert.False(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
}

func TestClientsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 1, BurstFactor: 1.0})
	defer rl.Close()

	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c2"))
}

func TestDisabledLimiterAllowsAll(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, PerMinute: 1})
	defer rl.Close()

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("c1"))
	}
}

func TestForgetResetsWindow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 1, BurstFactor: 1.0})
	defer rl.Close()

	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))

	rl.Forget("c1")
	assert.True(t, rl.Allow("c1"))
}
