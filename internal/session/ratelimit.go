package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter is a fixed-window counter. Each key gets at most Limit events
// per Window; everything past the cap is dropped by the caller. There is no
// queueing and no backpressure signal to the sender.
type RateLimiter struct {
	clock  clockwork.Clock
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter builds a limiter over the given clock. Tests pass a fake
// clock to step through windows deterministically.
func NewRateLimiter(clock clockwork.Clock, limit int, win time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:   clock,
		limit:   limit,
		window:  win,
		windows: make(map[string]*window),
	}
}

// Allow reports whether one more event fits in the key's current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.windows[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops the counter for a key, freeing memory once a user is gone.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}
