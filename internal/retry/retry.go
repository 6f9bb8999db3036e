// Package retry implements the bounded fixed-delay retry policy shared by
// every destination's media-upload step.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped) after all attempts failed. The last
// attempt's error is what propagates underneath it.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs op up to attempts times, sleeping delay between failed attempts.
// The delay is fixed, not exponential. On success the result is returned
// immediately; otherwise the last error is wrapped in ErrExhausted.
//
// ctx cancellation interrupts the inter-attempt sleep and is returned as-is.
func Do[T any](ctx context.Context, attempts int, delay time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if i == attempts-1 {
			break
		}

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return zero, ctx.Err()
		case <-tmr.C:
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
