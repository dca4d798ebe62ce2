package csvz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by a non-waiting RateLimit when no token is
// available.
var ErrRateLimited = errors.New("rate limit exceeded")

// Map adapts a row function that cannot fail into a TransformFunc. Batches
// are mapped row by row.
//
// Example:
//
//	upper := csvz.Map(func(_ context.Context, row csvz.Row) csvz.Row {
//	    out := make(csvz.Row, len(row))
//	    for i, f := range row {
//	        out[i] = strings.ToUpper(csvz.Stringify(f))
//	    }
//	    return out
//	})
func Map(fn func(context.Context, Row) Row) TransformFunc {
	return MapErr(func(ctx context.Context, row Row) (Row, error) {
		return fn(ctx, row), nil
	})
}

// MapErr adapts a row function that can fail. The first failing row fails the
// whole invocation.
func MapErr(fn func(context.Context, Row) (Row, error)) TransformFunc {
	return func(ctx context.Context, in Input) (Output, error) {
		rows := in.Rows()
		if !in.IsBatch() && len(rows) == 1 {
			row, err := fn(ctx, rows[0])
			if err != nil {
				return Output{}, err
			}
			return Single(row), nil
		}
		out := make([]Row, len(rows))
		for i, row := range rows {
			mapped, err := fn(ctx, row)
			if err != nil {
				return Output{}, err
			}
			out[i] = mapped
		}
		return Multiple(out...), nil
	}
}

// Enrich applies a best-effort row function: a row whose enrichment fails
// passes through unchanged instead of failing the invocation.
func Enrich(fn func(context.Context, Row) (Row, error)) TransformFunc {
	return Map(func(ctx context.Context, row Row) Row {
		enriched, err := fn(ctx, row)
		if err != nil {
			return row
		}
		return enriched
	})
}

// Mutate applies fn only to rows for which cond returns true; other rows pass
// through unchanged.
func Mutate(fn func(context.Context, Row) Row, cond func(context.Context, Row) bool) TransformFunc {
	return Map(func(ctx context.Context, row Row) Row {
		if cond(ctx, row) {
			return fn(ctx, row)
		}
		return row
	})
}

// Filter keeps the rows for which keep returns true. An invocation whose
// rows are all dropped produces Skip.
func Filter(keep func(context.Context, Row) bool) TransformFunc {
	return func(ctx context.Context, in Input) (Output, error) {
		var kept []Row
		for _, row := range in.Rows() {
			if keep(ctx, row) {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			return Skip(), nil
		}
		return Multiple(kept...), nil
	}
}

// Effect runs a side effect for every row and passes the rows through
// unchanged. An error from the effect fails the invocation.
func Effect(fn func(context.Context, Row) error) TransformFunc {
	return func(ctx context.Context, in Input) (Output, error) {
		rows := in.Rows()
		for _, row := range rows {
			if err := fn(ctx, row); err != nil {
				return Output{}, err
			}
		}
		if !in.IsBatch() && len(rows) == 1 {
			return Single(rows[0]), nil
		}
		return Multiple(rows...), nil
	}
}

// Timeout bounds each invocation of fn. fn receives a context that is
// canceled at the deadline and should return promptly; its late result is
// discarded. The returned error wraps context.DeadlineExceeded, so the
// stage's *Error reports IsTimeout.
func Timeout(fn TransformFunc, d time.Duration) TransformFunc {
	type result struct {
		out Output
		err error
	}
	return func(ctx context.Context, in Input) (Output, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan result, 1)
		go func() {
			var r result
			defer func() { done <- r }()
			defer recoverFromPanic(&r.out, &r.err, "timeout")
			r.out, r.err = fn(ctx, in)
		}()

		select {
		case r := <-done:
			return r.out, r.err
		case <-ctx.Done():
			return Output{}, fmt.Errorf("transform exceeded %v: %w", d, ctx.Err())
		}
	}
}

// RateLimit admits at most perSecond invocations of fn per second, with
// bursts of up to burst. When wait is true invocations block until a token
// is available or the context ends; otherwise they fail with ErrRateLimited
// and the stage's OnError decides what happens to the rows.
//
// The limiter is shared by every invocation of the returned function, so a
// concurrent stage is limited as a whole.
func RateLimit(fn TransformFunc, perSecond float64, burst int, wait bool) TransformFunc {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(ctx context.Context, in Input) (Output, error) {
		if wait {
			if err := limiter.Wait(ctx); err != nil {
				return Output{}, err
			}
		} else if !limiter.Allow() {
			return Output{}, ErrRateLimited
		}
		return fn(ctx, in)
	}
}
