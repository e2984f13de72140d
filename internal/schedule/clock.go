package schedule

import (
	"context"
	"time"
)

// Clock is the time source of the control loop. Tests substitute a manual
// clock so scenarios run on synthetic time.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	// It returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SleepUntil sleeps until the clock reads at least `at`.
func SleepUntil(ctx context.Context, c Clock, at time.Time) error {
	return c.Sleep(ctx, at.Sub(c.Now()))
}
