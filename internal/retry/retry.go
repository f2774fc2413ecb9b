// Package retry runs bootstrap operations, such as connecting to a datastore or a
// broker, until they succeed or an attempt budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrBudgetExhausted is returned by Do once every allowed attempt has failed.
var ErrBudgetExhausted = errors.New("retry: attempt budget exhausted")

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	// MaxAttempts bounds the number of attempts. Zero means retry forever.
	MaxAttempts int

	// Delay is the wait after the first failed attempt.
	Delay time.Duration

	// Exponential doubles the wait after every further failure, up to MaxDelay.
	Exponential bool
	MaxDelay    time.Duration
}

// Fixed retries with the same delay every time.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay}
}

// Capped doubles the delay after every failure, never waiting longer than maxDelay.
func Capped(maxAttempts int, base, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: base, Exponential: true, MaxDelay: maxDelay}
}

// Backoff returns the wait after the given failed attempt, counted from 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if !p.Exponential || attempt <= 1 {
		return p.clamp(p.Delay)
	}

	shift := attempt - 1
	if shift > 62 {
		return p.clamp(time.Duration(1<<63 - 1))
	}
	d := p.Delay << shift
	if d <= 0 || d>>shift != p.Delay {
		return p.clamp(time.Duration(1<<63 - 1))
	}
	return p.clamp(d)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if p.Exponential && p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it returns nil. After a failure it waits according to the
// policy; once MaxAttempts attempts have failed it returns ErrBudgetExhausted joined
// with the last error. A cancelled ctx stops the loop with the context's error.
func Do(ctx context.Context, log *zap.Logger, name string, p Policy, fn func(ctx context.Context) error) error {
	if log == nil {
		log = zap.NewNop()
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info(name+" succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		stop := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
		log.Error(name+" failed",
			zap.Int("attempt", attempt),
			zap.Bool("should_stop", stop),
			zap.Error(err))

		if stop {
			return fmt.Errorf("%s: %w", name, errors.Join(ErrBudgetExhausted, err))
		}

		if err := Sleep(ctx, p.Backoff(attempt)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
