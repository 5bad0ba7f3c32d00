package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

// Bus is an in-memory relay shared by the instances handed the same
// pointer. It backs tests and single-process wiring; nothing about it is
// process-global, each Bus owns its own state.
type Bus struct {
	mu     sync.Mutex
	closed bool
	subs   map[string]busSub
}

type busSub struct {
	filter  nostr.Filter
	handler Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]busSub)}
}

func (b *Bus) Publish(_ context.Context, ev *nostr.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.Unlock()

	// Delivery happens off the publisher's goroutine, as a network relay
	// would.
	for _, h := range matched {
		go h(ev)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, f nostr.Filter, h Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	id := newSubID()
	b.subs[id] = busSub{filter: f, handler: h}
	return id, nil
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]busSub)
	return nil
}

func newSubID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "sub-fallback"
	}
	return hex.EncodeToString(buf)
}
