// Package push carries announcements of newly recorded requests to peers
// that subscribe instead of polling.
package push

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by Subscribe when the push transport cannot be
// reached or its handshake does not complete. Listeners fall back to polling.
var ErrUnavailable = errors.New("push channel unavailable")

// Broadcaster publishes named events on a channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel, event, data string) error
}

// Event is one announcement received from a channel.
type Event struct {
	Channel string
	Name    string
	Data    string
}

// EventHandler consumes events delivered by a Subscriber.
type EventHandler func(ctx context.Context, ev Event)

// Subscriber receives events from a remote channel.
//
// Subscribe returns ErrUnavailable if it cannot establish the subscription.
// Once subscribed it blocks, calling h for each event, until ctx is done
// (returning nil) or the connection ends (returning a non-nil error).
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, h EventHandler) error
}

// Nop is the Broadcaster used when push is disabled.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(context.Context, string, string, string) error { return nil }
