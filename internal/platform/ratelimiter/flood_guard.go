package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FloodGuard is a single token bucket in front of the inbound event
// stream. It caps the total decrypt/parse work a noisy relay can force,
// before any per-peer accounting happens.
type FloodGuard struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewFloodGuard allows rps sustained events with the given burst.
// Returns nil (an always-allow guard) for non-positive arguments.
func NewFloodGuard(rps float64, burst int) *FloodGuard {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &FloodGuard{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one inbound event may be processed at now.
func (g *FloodGuard) Allow(now time.Time) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiter.AllowN(now, 1)
}
