package xrelay

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of an asynchronous unit of work.
type Result struct {
	Value any
	Err   error
}

// Future is a one-shot asynchronous result. The bus hands one to every sender
// as its completion handle, and receivers return one to answer a request.
// The first Complete wins; later calls are ignored.
type Future struct {
	mu    sync.Mutex
	done  chan struct{}
	res   Result
	set   bool
	conts []func(Result)
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already completed with v.
func Resolved(v any) *Future {
	f := NewFuture()
	f.Complete(v, nil)
	return f
}

// Failed returns a future already completed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Complete(nil, err)
	return f
}

// Go runs fn on its own goroutine and completes the future with its result.
// A panic in fn completes the future with an error.
func Go(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Complete(nil, fmt.Errorf("%w: %v", ErrReceiverPanic, r))
			}
		}()
		v, err := fn()
		f.Complete(v, err)
	}()
	return f
}

// Complete resolves the future. It reports whether this call did the resolving.
func (f *Future) Complete(v any, err error) bool {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return false
	}
	f.set = true
	f.res = Result{Value: v, Err: err}
	conts := f.conts
	f.conts = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range conts {
		fn(f.res)
	}
	return true
}

// OnComplete registers fn to run once with the result. If the future is
// already complete fn runs immediately on the caller's goroutine.
func (f *Future) OnComplete(fn func(Result)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	if !f.set {
		f.conts = append(f.conts, fn)
		f.mu.Unlock()
		return
	}
	res := f.res
	f.mu.Unlock()
	fn(res)
}

// Done is closed once the future is complete.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has been completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Peek returns the result without blocking; ok is false while pending.
func (f *Future) Peek() (res Result, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.set
}

// Wait blocks until the future completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.res.Value, f.res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
