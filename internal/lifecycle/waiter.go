// ABOUTME: Cancellable wait used by Launch while the provider boots a machine
// ABOUTME: Isolates the blocking sleep so it can be faked in tests

package lifecycle

import (
	"context"
	"time"
)

// Waiter pauses for d or until ctx ends.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// SleepWaiter waits on a real timer.
type SleepWaiter struct{}

func (SleepWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
