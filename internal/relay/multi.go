package relay

import (
	"context"
	"sync"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

const multiSeenCap = 4096

// Multi fans a publish out to several relays and merges their
// subscription streams, deduplicating by event id so a handler sees each
// event once no matter how many relays deliver it.
type Multi struct {
	relays []Relay

	mu     sync.Mutex
	groups map[string][]multiSub
	seen   map[string]struct{}
	order  []string
}

type multiSub struct {
	relay Relay
	id    string
}

func NewMulti(relays ...Relay) *Multi {
	return &Multi{
		relays: relays,
		groups: make(map[string][]multiSub),
		seen:   make(map[string]struct{}),
	}
}

// Publish succeeds if at least one relay accepted the event.
func (m *Multi) Publish(ctx context.Context, ev *nostr.Event) error {
	var lastErr error
	published := false
	for _, r := range m.relays {
		if err := r.Publish(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		published = true
	}
	if !published && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Multi) Subscribe(ctx context.Context, f nostr.Filter, h Handler) (string, error) {
	dedup := func(ev *nostr.Event) {
		if m.markSeen(ev.ID) {
			h(ev)
		}
	}
	subs := make([]multiSub, 0, len(m.relays))
	var lastErr error
	for _, r := range m.relays {
		id, err := r.Subscribe(ctx, f, dedup)
		if err != nil {
			lastErr = err
			continue
		}
		subs = append(subs, multiSub{relay: r, id: id})
	}
	if len(subs) == 0 {
		if lastErr == nil {
			lastErr = ErrClosed
		}
		return "", lastErr
	}

	group := newSubID()
	m.mu.Lock()
	m.groups[group] = subs
	m.mu.Unlock()
	return group, nil
}

func (m *Multi) Unsubscribe(group string) {
	m.mu.Lock()
	subs := m.groups[group]
	delete(m.groups, group)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.relay.Unsubscribe(sub.id)
	}
}

func (m *Multi) Close() error {
	var lastErr error
	for _, r := range m.relays {
		if err := r.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Multi) markSeen(id string) bool {
	if id == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false
	}
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > multiSeenCap {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.seen, evict)
	}
	return true
}
