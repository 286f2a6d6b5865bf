package supervisor

import (
	"sync"
	"time"
)

// respawnBreaker protects a slot against respawn storms. It is a trimmed
// circuit breaker: closed while a slot respawns normally, open once too many
// deaths land inside the observation window, half-open after a cooldown to
// probe with a single respawn.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type respawnBreaker struct {
	mu sync.Mutex

	state       breakerState
	deaths      int
	windowStart time.Time
	openedAt    time.Time

	// maxDeaths within window trips the breaker; cooldown is the open
	// period before a probe respawn is allowed.
	maxDeaths int
	window    time.Duration
	cooldown  time.Duration
}

func newRespawnBreaker() *respawnBreaker {
	return &respawnBreaker{
		maxDeaths: 5,
		window:    30 * time.Second,
		cooldown:  30 * time.Second,
	}
}

// allow reports whether a respawn may proceed now.
func (b *respawnBreaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false // one probe at a time
	}
	return false
}

// recordDeath counts a worker death; returns true if the breaker tripped.
func (b *respawnBreaker) recordDeath(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		// The probe died: straight back to open.
		b.state = breakerOpen
		b.openedAt = now
		return true
	}
	if now.Sub(b.windowStart) > b.window {
		b.windowStart = now
		b.deaths = 0
	}
	b.deaths++
	if b.deaths >= b.maxDeaths {
		b.state = breakerOpen
		b.openedAt = now
		return true
	}
	return false
}

// recordHealthy resets after a successful handshake.
func (b *respawnBreaker) recordHealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.deaths = 0
	b.windowStart = time.Time{}
}

// tripped reports whether respawns are currently refused.
func (b *respawnBreaker) tripped(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && now.Sub(b.openedAt) < b.cooldown
}
