package engine

import (
	"context"
	"time"
)

type (
	// Clock provides the current time for run timing and telemetry
	Clock func() time.Time

	// Sleeper waits out a retry delay; it returns early when the
	// context is canceled
	Sleeper func(context.Context, time.Duration)
)

// Now returns the current wall time from the engine's configured clock
func (e *Engine) Now() time.Time {
	return e.clock()
}

func systemSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
