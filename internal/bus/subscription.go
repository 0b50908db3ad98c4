// ABOUTME: Goroutine-backed Subscription shared by both bus backends
// ABOUTME: Runs a receive loop, releases the transport once, and reports the terminal error

package bus

import (
	"context"
	"sync"
)

// loopFunc receives from a transport and hands events to emit until ctx ends
// or the transport fails. emit returns false once the subscription is closing.
type loopFunc func(ctx context.Context, emit func(Event) bool) error

type subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// startSubscription runs loop in its own goroutine. release is called exactly
// once after the loop returns, whatever the reason.
func startSubscription(ctx context.Context, loop loopFunc, release func()) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	emit := func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.events)

		err := loop(ctx, emit)
		if ctx.Err() != nil {
			// Closed or cancelled by the owner; not a failure.
			err = nil
		}
		release()

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	return s
}

func (s *subscription) Events() <-chan Event {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the loop and waits for the transport to be released.
func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}
