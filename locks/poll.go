package locks

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval paces try-lock loops of backends without a native
// blocking wait.
const DefaultPollInterval = 50 * time.Millisecond

// Poll calls try until it succeeds, fails, or timeout elapses. Attempts are
// paced at one per interval; the last attempt runs at the deadline.
func Poll(ctx context.Context, timeout, interval time.Duration, try func(ctx context.Context) (bool, error)) (bool, error) {
	if ctx.Err() != nil {
		return false, Interrupted(ctx)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout < 0 {
		timeout = 0
	}
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow()

	for {
		ok, err := try(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, Interrupted(ctx)
			}
			return false, err
		}
		if ok {
			return true, nil
		}

		left := Remaining(deadline)
		if left == 0 {
			return false, nil
		}
		delay := limiter.Reserve().Delay()
		if delay > left {
			delay = left
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, Interrupted(ctx)
		case <-timer.C:
		}
	}
}
