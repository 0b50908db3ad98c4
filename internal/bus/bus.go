// ABOUTME: Event bus contract shared by the polled and pushed backends
// ABOUTME: Defines Event, its ["name","payload"] wire form, and Publisher/EventBus/Subscription

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned when subscribing to a closed bus
var ErrClosed = errors.New("bus closed")

// Event is one (name, payload) pair broadcast to subscribers.
type Event struct {
	Name    string
	Payload string
}

// Encode returns the JSON array form ["name","payload"].
func (e Event) Encode() (string, error) {
	data, err := json.Marshal([2]string{e.Name, e.Payload})
	if err != nil {
		return "", fmt.Errorf("encoding event: %w", err)
	}
	return string(data), nil
}

// DecodeEvent parses the JSON array form ["name","payload"].
func DecodeEvent(s string) (Event, error) {
	var pair []string
	if err := json.Unmarshal([]byte(s), &pair); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if len(pair) != 2 {
		return Event{}, fmt.Errorf("decoding event: want 2 elements, got %d", len(pair))
	}
	return Event{Name: pair[0], Payload: pair[1]}, nil
}

// Publisher sends events to every current subscriber. Publish never blocks
// and never fails the caller; transport problems are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, name, payload string)
}

// EventBus is a publish/subscribe transport.
type EventBus interface {
	Publisher

	// Subscribe opens a subscription that lives until it is closed or ctx ends.
	Subscribe(ctx context.Context) (Subscription, error)

	// Close flushes pending publishes and releases the transport.
	Close() error
}

// Subscription is an open stream of events.
type Subscription interface {
	// Events yields events in order. The channel is closed when the
	// subscription ends; Err then reports why (nil for a normal close).
	Events() <-chan Event
	Err() error

	// Close releases the underlying transport. Safe to call more than once.
	Close() error
}
