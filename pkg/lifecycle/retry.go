package lifecycle

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a message to a tab without a listener is retried after
// injecting.
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 1, Delay: 100 * time.Millisecond}
}

// Sleeper waits between attempts. Tests substitute one that does not touch the clock.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type clockSleeper struct{}

func (clockSleeper) Sleep(ctx context.Context, d time.Duration) error {
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

// ClockSleeper sleeps for real.
func ClockSleeper() Sleeper { return clockSleeper{} }
