package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRoomRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u"))
	assert.True(t, rl.Allow("u"))
	assert.False(t, rl.Allow("u"))
	assert.True(t, rl.Allow("other"), "budgets are per user")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("u"))
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRoomRateLimiter(1, time.Second)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(500 * time.Millisecond)
	rl.Allow("b")
	now = now.Add(700 * time.Millisecond)

	assert.Equal(t, 1, rl.Prune())
	assert.False(t, rl.Allow("b"))
	assert.True(t, rl.Allow("a"))
}
