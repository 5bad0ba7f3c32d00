// Package ratelimiter provides per-peer admission control for the signer
// service: a sliding-window limiter enforcing burst/minute/hour caps per
// remote pubkey, and a token-bucket flood guard for the raw inbound
// event stream.
package ratelimiter

import (
	"sync"
	"time"
)

// Config holds the three window caps plus maintenance settings.
type Config struct {
	Burst         int           // requests allowed inside BurstWindow
	BurstWindow   time.Duration // tightest window, checked first
	PerMinute     int
	PerHour       int
	SweepInterval time.Duration // idle-history eviction cadence
	IdleTTL       time.Duration // histories idle longer than this are dropped
}

func DefaultConfig() Config {
	return Config{
		Burst:         10,
		BurstWindow:   10 * time.Second,
		PerMinute:     60,
		PerHour:       1000,
		SweepInterval: 5 * time.Minute,
		IdleTTL:       time.Hour,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = def.PerHour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return cfg
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time until the violated window frees a slot
	Remaining  int           // tightest remaining capacity across windows
}

// Sliding tracks request timestamps per key across three nested windows.
// A denied request is never recorded, so probing while limited does not
// extend the limit.
type Sliding struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	byKey map[string]*history

	stopOnce sync.Once
	done     chan struct{}
	sweepWG  sync.WaitGroup
}

type history struct {
	stamps   []time.Time
	lastSeen time.Time
}

// NewSliding creates a limiter and starts its eviction sweep.
func NewSliding(cfg Config) *Sliding {
	l := newSlidingWithClock(cfg, time.Now)
	l.sweepWG.Add(1)
	go l.sweepLoop()
	return l
}

// newSlidingWithClock is the test constructor; it does not start the
// sweep goroutine.
func newSlidingWithClock(cfg Config, now func() time.Time) *Sliding {
	return &Sliding{
		cfg:   normalizeConfig(cfg),
		now:   now,
		byKey: make(map[string]*history),
		done:  make(chan struct{}),
	}
}

// Allow checks the burst window first, then the minute and hour caps.
func (l *Sliding) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.byKey[key]
	if !ok {
		h = &history{}
		l.byKey[key] = h
	}
	h.lastSeen = now
	h.prune(now.Add(-time.Hour))

	windows := []struct {
		span time.Duration
		cap  int
	}{
		{l.cfg.BurstWindow, l.cfg.Burst},
		{time.Minute, l.cfg.PerMinute},
		{time.Hour, l.cfg.PerHour},
	}
	for _, w := range windows {
		inWindow := h.countSince(now.Add(-w.span))
		if inWindow >= w.cap {
			retry := h.oldestSince(now.Add(-w.span)).Add(w.span).Sub(now)
			if retry < time.Second {
				retry = time.Second
			}
			return Decision{Allowed: false, RetryAfter: retry}
		}
	}

	h.stamps = append(h.stamps, now)

	remaining := l.cfg.Burst - h.countSince(now.Add(-l.cfg.BurstWindow))
	if m := l.cfg.PerMinute - h.countSince(now.Add(-time.Minute)); m < remaining {
		remaining = m
	}
	if hr := l.cfg.PerHour - h.countSince(now.Add(-time.Hour)); hr < remaining {
		remaining = hr
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// Remaining reports the tightest remaining capacity without recording
// anything.
func (l *Sliding) Remaining(key string) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.byKey[key]
	if !ok {
		return l.cfg.Burst
	}
	h.prune(now.Add(-time.Hour))

	remaining := l.cfg.Burst - h.countSince(now.Add(-l.cfg.BurstWindow))
	if m := l.cfg.PerMinute - h.countSince(now.Add(-time.Minute)); m < remaining {
		remaining = m
	}
	if hr := l.cfg.PerHour - h.countSince(now.Add(-time.Hour)); hr < remaining {
		remaining = hr
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (l *Sliding) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, key)
}

func (l *Sliding) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey = make(map[string]*history)
}

// Destroy stops the sweep and releases all state. Safe to call twice.
func (l *Sliding) Destroy() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.sweepWG.Wait()
	l.ClearAll()
}

func (l *Sliding) sweepLoop() {
	defer l.sweepWG.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Sliding) evictIdle() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, h := range l.byKey {
		if h.lastSeen.Before(cutoff) {
			delete(l.byKey, key)
		}
	}
}

func (h *history) prune(cutoff time.Time) {
	idx := 0
	for idx < len(h.stamps) && !h.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		h.stamps = append(h.stamps[:0], h.stamps[idx:]...)
	}
}

func (h *history) countSince(cutoff time.Time) int {
	n := 0
	for _, s := range h.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}

func (h *history) oldestSince(cutoff time.Time) time.Time {
	for _, s := range h.stamps {
		if s.After(cutoff) {
			return s
		}
	}
	return cutoff
}
