// Package retry runs best-effort writes (usage batches, webhook audit rows)
// with capped exponential backoff. Callers log the final error and move on;
// a retry loop never fails the request that triggered it.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means uncapped
}

// BestEffort is the policy for analytics and audit writes.
var BestEffort = Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out or ctx ends. The delay doubles per attempt with ±25% jitter.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for i := 1; ; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if i >= attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
