// Package ratelimit provides sliding-window admission control per actor.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Window is the trailing time window considered per actor.
	Window time.Duration `yaml:"window"`
	// MaxRequests is the maximum requests allowed within Window.
	MaxRequests int `yaml:"max_requests"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Window:      time.Minute,
		MaxRequests: 10,
		Enabled:     true,
	}
}

// Limiter tracks recent request timestamps per actor and admits a request
// iff the actor is under the cap within the trailing window. Windows are
// pruned lazily on each check; there is no background sweeper and no
// persistence, so limits reset on process restart.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	config  Config
	now     func() time.Time
}

// NewLimiter creates a new sliding-window rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	return &Limiter{
		windows: make(map[string][]time.Time),
		config:  config,
		now:     time.Now,
	}
}

// CheckAndRecord reports whether the actor may proceed. The attempt is
// recorded only when admitted; rejected attempts do not extend the window.
func (l *Limiter) CheckAndRecord(actorID string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.pruneLocked(actorID)
	if len(window) >= l.config.MaxRequests {
		return false
	}
	l.windows[actorID] = append(window, l.now())
	return true
}

// Remaining returns how many requests the actor has left in the current
// window.
func (l *Limiter) Remaining(actorID string) int {
	if !l.config.Enabled {
		return l.config.MaxRequests
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.config.MaxRequests - len(l.pruneLocked(actorID))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears the recorded window for an actor.
func (l *Limiter) Reset(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, actorID)
}

// pruneLocked drops timestamps older than the trailing window and returns
// the surviving slice. Must be called with the lock held. Fully drained
// actors are removed from the map so idle keys do not accumulate.
func (l *Limiter) pruneLocked(actorID string) []time.Time {
	cutoff := l.now().Add(-l.config.Window)
	window := l.windows[actorID]

	start := 0
	for start < len(window) && !window[start].After(cutoff) {
		start++
	}
	if start > 0 {
		window = window[start:]
		if len(window) == 0 {
			delete(l.windows, actorID)
			return nil
		}
		l.windows[actorID] = window
	}
	return window
}

// Status describes the current rate limit state for an actor.
type Status struct {
	ActorID    string `json:"actor_id"`
	AllowedNow bool   `json:"allowed_now"`
	Remaining  int    `json:"remaining"`
}

// GetStatus returns the rate limit status for an actor without recording
// an attempt.
func (l *Limiter) GetStatus(actorID string) Status {
	remaining := l.Remaining(actorID)
	return Status{
		ActorID:    actorID,
		AllowedNow: remaining > 0,
		Remaining:  remaining,
	}
}
