package csvz

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// SkipOnError drops the failed input: no row is produced for it.
func SkipOnError() RecoverFunc {
	return func(context.Context, Input, error, TransformFunc) (Output, error) {
		return Skip(), nil
	}
}

// Placeholder replaces every field of every failed row with value, keeping
// the row shape intact.
//
//	csvz.Options{OnError: csvz.Placeholder("n/a")}
func Placeholder(value any) RecoverFunc {
	return func(_ context.Context, in Input, _ error, _ TransformFunc) (Output, error) {
		rows := in.Rows()
		out := make([]Row, len(rows))
		for i, row := range rows {
			filled := make(Row, len(row))
			for j := range filled {
				filled[j] = value
			}
			out[i] = filled
		}
		if in.IsBatch() {
			return Multiple(out...), nil
		}
		if len(out) == 0 {
			return Skip(), nil
		}
		return Single(out[0]), nil
	}
}

// RetryOnError calls the transform again, immediately, up to attempts more
// times. When every retry fails the input goes to then, or the last error is
// returned when then is nil.
//
// Context cancellation is checked between attempts.
func RetryOnError(attempts int, then RecoverFunc) RecoverFunc {
	if attempts < 1 {
		attempts = 1
	}
	return func(ctx context.Context, in Input, err error, fn TransformFunc) (Output, error) {
		lastErr := err
		for i := 0; i < attempts; i++ {
			if ctx.Err() != nil {
				return Output{}, ctx.Err()
			}
			out, err := fn(ctx, in)
			if err == nil {
				return out, nil
			}
			lastErr = err
		}
		if then != nil {
			return then(ctx, in, lastErr, fn)
		}
		return Output{}, lastErr
	}
}

// Backoff retries a failed transform with exponential backoff and jitter.
// The n-th retry waits a random duration up to base*2^(n-1), capped at
// maxDelay.
//
// The total time spent can be significant. For example, with base=100ms,
// maxDelay=1s and attempts=5 the upper bounds of the waits are:
//
//	100ms, 200ms, 400ms, 800ms, 1s
//
// Waiting can be interrupted through the context.
type Backoff struct {
	then     RecoverFunc
	clock    clockz.Clock
	jitter   func(time.Duration) time.Duration
	base     time.Duration
	maxDelay time.Duration
	attempts int
	mu       sync.RWMutex
}

// NewBackoff creates a Backoff recovery strategy. When every retry fails the
// input goes to then, or the last error is returned when then is nil.
func NewBackoff(attempts int, base, maxDelay time.Duration, then RecoverFunc) *Backoff {
	if attempts < 1 {
		attempts = 1
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{
		then:     then,
		base:     base,
		maxDelay: maxDelay,
		attempts: attempts,
		jitter:   fullJitter,
	}
}

// BackoffOnError is shorthand for NewBackoff(...).Recover.
func BackoffOnError(attempts int, base, maxDelay time.Duration, then RecoverFunc) RecoverFunc {
	return NewBackoff(attempts, base, maxDelay, then).Recover
}

// Recover implements RecoverFunc.
func (b *Backoff) Recover(ctx context.Context, in Input, err error, fn TransformFunc) (Output, error) {
	b.mu.RLock()
	clock := b.getClock()
	jitter := b.jitter
	attempts := b.attempts
	delay := b.base
	maxDelay := b.maxDelay
	then := b.then
	b.mu.RUnlock()

	lastErr := err
	for i := 0; i < attempts; i++ {
		select {
		case <-clock.After(jitter(delay)):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}

		out, err := fn(ctx, in)
		if err == nil {
			return out, nil
		}
		lastErr = err

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	if then != nil {
		return then(ctx, in, lastErr, fn)
	}
	return Output{}, lastErr
}

// Delays returns the upper bound of each wait, in order.
func (b *Backoff) Delays() []time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]time.Duration, b.attempts)
	delay := b.base
	for i := range out {
		out[i] = delay
		delay *= 2
		if delay > b.maxDelay {
			delay = b.maxDelay
		}
	}
	return out
}

// WithClock sets a custom clock for testing.
func (b *Backoff) WithClock(clock clockz.Clock) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
	return b
}

// WithJitter replaces the jitter function; it receives the capped delay and
// returns the actual wait. Use an identity function for deterministic waits.
func (b *Backoff) WithJitter(jitter func(time.Duration) time.Duration) *Backoff {
	if jitter == nil {
		jitter = fullJitter
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jitter = jitter
	return b
}

func (b *Backoff) getClock() clockz.Clock {
	if b.clock == nil {
		return clockz.RealClock
	}
	return b.clock
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d + 1)
}

// FirstOf tries each strategy in order and returns the first success. Each
// strategy receives the error left by the one before it, and the last error
// is returned when they all fail.
//
//	csvz.FirstOf(
//	    csvz.RetryOnError(2, nil),
//	    csvz.Placeholder("n/a"),
//	)
func FirstOf(strategies ...RecoverFunc) RecoverFunc {
	if len(strategies) == 0 {
		panic("FirstOf requires at least one strategy")
	}
	return func(ctx context.Context, in Input, err error, fn TransformFunc) (Output, error) {
		for _, strategy := range strategies {
			out, serr := strategy(ctx, in, err, fn)
			if serr == nil {
				return out, nil
			}
			err = serr
		}
		return Output{}, err
	}
}
