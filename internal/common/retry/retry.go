// Package retry provides the canonical retry primitive with jittered
// exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
)

// Options tunes TryN. Zero values select the defaults.
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// IsRetryable decides whether a failure is worth another attempt.
	// Defaults to the taxonomy predicate (transient only).
	IsRetryable func(error) bool
	// Sleep is swapped in tests to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 10 * time.Second
)

func (o *Options) fill() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.IsRetryable == nil {
		o.IsRetryable = apperrors.IsRetryable
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TryN runs fn up to n times, sleeping a half-jittered exponential backoff
// between attempts: delay ∈ [0, min(max, base·2^attempt)). The last error is
// returned when all attempts fail or the error is classified non-retryable.
func TryN(ctx context.Context, n int, fn func(ctx context.Context) error, opts Options) error {
	opts.fill()

	var err error
	for attempt := 0; attempt < n; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !opts.IsRetryable(err) {
			return err
		}
		if attempt == n-1 {
			break
		}
		if sleepErr := opts.Sleep(ctx, Backoff(attempt, opts.BaseDelay, opts.MaxDelay)); sleepErr != nil {
			return err
		}
	}
	return err
}

// Backoff computes a half-jittered delay for the given attempt.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
