// Package relay carries signed protocol events between peers through
// untrusted pub/sub relay servers. The core only needs publish and a
// filtered subscription; reconnection policy lives with the caller.
package relay

import (
	"context"
	"errors"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

var (
	ErrClosed         = errors.New("relay is closed")
	ErrNotSubscribed  = errors.New("unknown subscription")
	ErrPublishFailed  = errors.New("publish failed")
	ErrDialFailed     = errors.New("relay dial failed")
	ErrInvalidAddress = errors.New("invalid relay address")
)

// Handler receives events matching a subscription filter.
type Handler func(ev *nostr.Event)

type Relay interface {
	// Publish hands a signed event to the relay.
	Publish(ctx context.Context, ev *nostr.Event) error
	// Subscribe registers a filtered handler and returns its id.
	Subscribe(ctx context.Context, f nostr.Filter, h Handler) (string, error)
	// Unsubscribe removes a subscription; unknown ids are ignored.
	Unsubscribe(id string)
	// Close tears the connection down. Idempotent.
	Close() error
}
