package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

func TestBusDeliversMatchingEvents(t *testing.T) {
	bus := NewBus()
	peer := strings.Repeat("ab", 32)

	got := make(chan *nostr.Event, 1)
	_, err := bus.Subscribe(context.Background(), nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		PTags: []string{peer},
	}, func(ev *nostr.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ev := &nostr.Event{
		ID:   "evt1",
		Kind: nostr.KindNostrConnect,
		Tags: [][]string{{"p", peer}},
	}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case delivered := <-got:
		if delivered.ID != "evt1" {
			t.Fatalf("unexpected event: %s", delivered.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBusDoesNotDeliverMismatchedEvents(t *testing.T) {
	bus := NewBus()
	got := make(chan *nostr.Event, 1)
	_, err := bus.Subscribe(context.Background(), nostr.Filter{
		PTags: []string{strings.Repeat("ab", 32)},
	}, func(ev *nostr.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ev := &nostr.Event{
		ID:   "evt2",
		Kind: nostr.KindNostrConnect,
		Tags: [][]string{{"p", strings.Repeat("cd", 32)}},
	}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-got:
		t.Fatal("mismatched event must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	got := make(chan *nostr.Event, 1)
	id, err := bus.Subscribe(context.Background(), nostr.Filter{}, func(ev *nostr.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	bus.Unsubscribe(id)
	if err := bus.Publish(context.Background(), &nostr.Event{ID: "evt3"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-got:
		t.Fatal("unsubscribed handler must not fire")
	case <-time.After(100 * time.Millisecond):
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Publish(context.Background(), &nostr.Event{ID: "evt4"}); err == nil {
		t.Fatal("publish after close must fail")
	}
	if _, err := bus.Subscribe(context.Background(), nostr.Filter{}, func(*nostr.Event) {}); err == nil {
		t.Fatal("subscribe after close must fail")
	}
}

func TestMultiDeduplicatesAcrossRelays(t *testing.T) {
	busA := NewBus()
	busB := NewBus()
	multi := NewMulti(busA, busB)

	got := make(chan *nostr.Event, 4)
	if _, err := multi.Subscribe(context.Background(), nostr.Filter{}, func(ev *nostr.Event) { got <- ev }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ev := &nostr.Event{ID: "dup1", Kind: 1}
	// Publishing through Multi reaches both buses, so the subscription
	// would see the event twice without deduplication.
	if err := multi.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
	select {
	case <-got:
		t.Fatal("duplicate delivery must be suppressed")
	case <-time.After(150 * time.Millisecond):
	}
}
