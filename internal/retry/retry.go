// Package retry provides an explicit bounded-retry policy with context-aware
// waits.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Backoff returns the wait before the given attempt (1-based, >= 2).
type Backoff func(attempt int) time.Duration

// Constant waits d between every attempt.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// RandomBetween waits a uniformly random duration in [min, max].
func RandomBetween(min, max time.Duration) Backoff {
	if max <= min {
		return Constant(min)
	}
	return func(int) time.Duration {
		return min + rand.N(max-min+1)
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// TimerSleep waits on a timer and honours ctx.
func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy bounds a retry loop by attempts and/or wall-clock time. Zero
// MaxAttempts and zero MaxElapsed together mean a single attempt.
type Policy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	Backoff     Backoff

	// Sleep and Now are replaceable for tests.
	Sleep SleepFunc
	Now   func() time.Time
}

// Func is one attempt. It returns done=true to stop successfully. A non-nil
// error stops the loop and is returned as is.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Do runs fn until it is done, fails, or the policy is exhausted, in which
// case the returned error wraps domain.ErrRetryExhausted.
func (p Policy) Do(ctx context.Context, fn Func) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = TimerSleep
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Constant(0)
	}

	start := now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: attempt %d: %w", attempt, err)
		}
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if p.exhausted(attempt, now().Sub(start)) {
			return fmt.Errorf("retry: gave up after %d attempts: %w", attempt, domain.ErrRetryExhausted)
		}
		wait := backoff(attempt + 1)
		if p.MaxElapsed > 0 {
			if left := p.MaxElapsed - now().Sub(start); wait > left {
				wait = left
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry: wait before attempt %d: %w", attempt+1, err)
		}
	}
}

func (p Policy) exhausted(attempt int, elapsed time.Duration) bool {
	if p.MaxAttempts <= 0 && p.MaxElapsed <= 0 {
		return true
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return true
	}
	return p.MaxElapsed > 0 && elapsed >= p.MaxElapsed
}
