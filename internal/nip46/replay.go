package nip46

import (
	"sync"
	"time"
)

const (
	defaultReplayWindow = 2 * time.Minute
	defaultReplaySweep  = time.Minute
)

// replayGuard remembers processed request ids for a bounded window.
// The first sighting of an id wins; any later copy inside the window
// is a replay regardless of sender.
type replayGuard struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

func newReplayGuard(window, sweep time.Duration) *replayGuard {
	g := newReplayGuardWithClock(window, time.Now)
	if sweep <= 0 {
		sweep = defaultReplaySweep
	}
	g.wg.Add(1)
	go g.sweepLoop(sweep)
	return g
}

// newReplayGuardWithClock builds a guard without the sweeper goroutine,
// for deterministic tests.
func newReplayGuardWithClock(window time.Duration, now func() time.Time) *replayGuard {
	if window <= 0 {
		window = defaultReplayWindow
	}
	return &replayGuard{
		seen:   make(map[string]time.Time),
		window: window,
		done:   make(chan struct{}),
		now:    now,
	}
}

// firstUse records the id and reports whether this is its first
// appearance inside the window.
func (g *replayGuard) firstUse(id string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[id]; ok && now.Sub(at) < g.window {
		return false
	}
	g.seen[id] = now
	return true
}

func (g *replayGuard) sweepLoop(interval time.Duration) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.done:
			return
		}
	}
}

func (g *replayGuard) sweep() {
	cutoff := g.now().Add(-g.window)
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, id)
		}
	}
}

func (g *replayGuard) stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
	g.mu.Lock()
	g.seen = make(map[string]time.Time)
	g.mu.Unlock()
}
