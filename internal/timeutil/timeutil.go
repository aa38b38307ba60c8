// Package timeutil provides the shared cancellable-sleep primitive used by
// every periodic worker.
package timeutil

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever comes first. It
// returns true if the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
