package xrelay

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for receiver middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryMiddleware re-invokes a failing receiver. Waits between attempts are
// timers, never sleeps, so asynchronous receivers stay asynchronous.
func RetryMiddleware(cfg RetryConfig) ReceiverMiddleware {
	return func(next ReceiverFunc) ReceiverFunc {
		return func(ctx context.Context, address string, payload any) *Future {
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}

			out := NewFuture()
			var attempt func(i int)
			attempt = func(i int) {
				f := next(ctx, address, payload)
				if f == nil {
					out.Complete(nil, nil)
					return
				}
				f.OnComplete(func(res Result) {
					if res.Err == nil || i == attempts || !shouldRetry(res.Err) || ctx.Err() != nil {
						out.Complete(res.Value, res.Err)
						return
					}
					var wait time.Duration
					if cfg.Backoff != nil {
						wait = cfg.Backoff(i)
					}
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					time.AfterFunc(wait, func() { attempt(i + 1) })
				})
			}
			attempt(1)
			return out
		}
	}
}

// TimeoutMiddleware fails a receiver whose answer takes longer than d. The
// receiver's context is cancelled at the deadline.
func TimeoutMiddleware(d time.Duration) ReceiverMiddleware {
	if d <= 0 {
		// No-op if duration invalid.
		return func(next ReceiverFunc) ReceiverFunc { return next }
	}
	return func(next ReceiverFunc) ReceiverFunc {
		return func(ctx context.Context, address string, payload any) *Future {
			tctx, cancel := context.WithTimeout(ctx, d)
			f := next(tctx, address, payload)
			if f == nil {
				cancel()
				return nil
			}
			if f.IsDone() {
				cancel()
				return f
			}

			out := NewFuture()
			f.OnComplete(func(res Result) {
				cancel()
				out.Complete(res.Value, res.Err)
			})
			go func() {
				select {
				case <-tctx.Done():
					out.Complete(nil, fmt.Errorf("receiver for %q: %w", address, tctx.Err()))
				case <-out.Done():
				}
			}()
			return out
		}
	}
}

// RecoveryMiddleware converts receiver panics into failed futures.
func RecoveryMiddleware() ReceiverMiddleware {
	return func(next ReceiverFunc) ReceiverFunc {
		return func(ctx context.Context, address string, payload any) (f *Future) {
			defer func() {
				if r := recover(); r != nil {
					f = Failed(fmt.Errorf("%w: %v", ErrReceiverPanic, r))
				}
			}()
			return next(ctx, address, payload)
		}
	}
}

// Chain composes middlewares around a receiver in order.
func Chain(h ReceiverFunc, mws ...ReceiverMiddleware) ReceiverFunc {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
