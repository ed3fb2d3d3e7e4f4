package session

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
)

func TestRateLimiterCapsWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(clock, 3, time.Second)

	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), false)
	assert.Equal(t, rl.Allow("s1/A"), false)
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(clock, 2, time.Second)

	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), false)

	clock.Advance(time.Second)
	assert.Equal(t, rl.Allow("s1/A"), true)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(clock, 1, time.Second)

	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), false)
	assert.Equal(t, rl.Allow("s1/B"), true)
	assert.Equal(t, rl.Allow("s2/A"), true)
}

func TestRateLimiterForget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(clock, 1, time.Second)

	assert.Equal(t, rl.Allow("s1/A"), true)
	assert.Equal(t, rl.Allow("s1/A"), false)

	rl.Forget("s1/A")
	assert.Equal(t, rl.Allow("s1/A"), true)
}
