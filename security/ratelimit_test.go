package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(PerHour(20), 20, nil)
	defer rl.Stop()

	for i := 0; i < 20; i++ {
		assert.True(t, rl.Allow("203.0.113.1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("203.0.113.1"))
	assert.True(t, rl.Allow("203.0.113.2"), "identifiers have separate buckets")
}

func TestPerHour(t *testing.T) {
	assert.Equal(t, rate.Every(3*time.Minute), PerHour(20))
	assert.Equal(t, rate.Limit(0), PerHour(0))
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(rate.Limit(1), 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")

	stats := rl.GetStats()
	assert.Equal(t, 2, stats.CurrentEntries)
	assert.Equal(t, int64(1), stats.TotalEvictions)

	// "a" was evicted, so it starts with a fresh bucket.
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 5, nil)
	defer rl.Stop()

	rl.Allow("idle")
	time.Sleep(5 * time.Millisecond)
	rl.Allow("fresh")

	removed := rl.Cleanup(2 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, rl.GetStats().CurrentEntries)
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1, nil)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
