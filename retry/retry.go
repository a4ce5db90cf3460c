// Package retry runs a fallible remote operation with bounded exponential backoff.
//
// Throttling responses from the remote side get their own, slower budget: a fixed
// delay and a separate attempt ceiling, instead of the generic doubling backoff.
package retry

import (
	"context"
	"time"

	"github.com/krisalay/cardstats/types"
)

const (
	DefaultMaxAttempts          = 3
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 10 * time.Second
	DefaultThrottledMaxAttempts = 3
	DefaultThrottledDelay       = 15 * time.Second
)

// Policy is safe to copy and to share between goroutines.
type Policy struct {
	// MaxAttempts bounds attempts that fail with anything but a throttling response.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// ThrottledMaxAttempts bounds attempts that fail with a throttling response.
	ThrottledMaxAttempts int
	ThrottledDelay       time.Duration

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, kind types.ErrorKind, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          DefaultMaxAttempts,
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		ThrottledMaxAttempts: DefaultThrottledMaxAttempts,
		ThrottledDelay:       DefaultThrottledDelay,
	}
}

// backoff returns the delay after the n-th generic failure (n >= 1).
func (p Policy) backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

/*
Do calls op until it succeeds or a budget runs out, and returns the last error.

Generic failures wait BaseDelay, 2*BaseDelay, ... capped at MaxDelay, for at most
MaxAttempts failures. Throttling failures wait ThrottledDelay each, for at most
ThrottledMaxAttempts failures. The two counters are independent.
Not-found and parse failures are returned at once.
Cancelling ctx aborts a wait and returns ctx.Err().
*/
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	throttledMax := p.ThrottledMaxAttempts
	if throttledMax < 1 {
		throttledMax = 1
	}

	generic, throttled := 0, 0
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		kind := types.KindOf(err)
		if permanent(kind) {
			return err
		}
		var delay time.Duration
		if kind == types.KindThrottled {
			throttled++
			if throttled >= throttledMax {
				return err
			}
			delay = p.ThrottledDelay
		} else {
			generic++
			if generic >= maxAttempts {
				return err
			}
			delay = p.backoff(generic)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, kind, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// permanent failures would fail the same way again.
func permanent(kind types.ErrorKind) bool {
	return kind == types.KindNotFound || kind == types.KindParse
}

func sleep(ctx context.Context, d time.Duration) error {
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
