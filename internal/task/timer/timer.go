// Package timer provides the delay primitive used by the scheduler.
//
// Real waits on the wall clock. Virtual keeps its own clock that only moves
// when a test calls Flush, so scheduling logic can be exercised
// deterministically and without sleeping.
package timer

import (
	"context"
	"time"
)

// Timer suspends the caller for a duration.
//
// Wait returns nil once d has elapsed, or ctx.Err() if ctx ends first.
type Timer interface {
	Wait(ctx context.Context, d time.Duration) error
}

// Real is a wall-clock Timer. The zero value is ready to use.
type Real struct{}

func (Real) Wait(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
