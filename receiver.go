package xrelay

import (
	"context"
	"strings"
)

// ReceiverFunc answers a request delivered to a registration. It may return
// an already completed future (synchronous answer) or one completed later.
// A nil future is treated as a nil answer.
type ReceiverFunc func(ctx context.Context, address string, payload any) *Future

// SyncReceiver adapts a plain function into a ReceiverFunc.
func SyncReceiver(fn func(ctx context.Context, address string, payload any) (any, error)) ReceiverFunc {
	return func(ctx context.Context, address string, payload any) *Future {
		v, err := fn(ctx, address, payload)
		f := NewFuture()
		f.Complete(v, err)
		return f
	}
}

// ReceiverMiddleware composes processing concerns around a ReceiverFunc.
type ReceiverMiddleware func(next ReceiverFunc) ReceiverFunc

// ErrorContext is threaded through the registration's error handler and then
// the bus-wide error hook. Either may replace Err, set Forward, or set Result
// as the value answered instead of the failure.
type ErrorContext struct {
	Address string
	Payload any
	Err     error
	Forward bool
	Result  any
}

// ErrorHandler rewrites a receiver failure in place.
type ErrorHandler func(ec *ErrorContext)

// Registration is a local subscriber: an address pattern and its receiver.
type Registration struct {
	Pattern  string
	Receiver ReceiverFunc
	// ForwardErrors overrides the request's forwarding flag when set.
	ForwardErrors *bool
	// OnError is asked first when the receiver fails.
	OnError ErrorHandler

	handler ReceiverFunc
}

// Matches reports whether address falls under the registration's pattern.
func (r *Registration) Matches(address string) bool {
	return MatchAddress(r.Pattern, address)
}

// RegisterOption configures a Registration.
type RegisterOption func(*Registration)

// WithReceiverErrorForwarding overrides the forwarding decision for this receiver.
func WithReceiverErrorForwarding(forward bool) RegisterOption {
	return func(r *Registration) { r.ForwardErrors = &forward }
}

// WithErrorHandler installs the receiver's own error handler.
func WithErrorHandler(h ErrorHandler) RegisterOption {
	return func(r *Registration) { r.OnError = h }
}

// MatchAddress matches address against pattern. Patterns are '/'-separated;
// '+' matches exactly one level and a trailing '#' matches the parent level
// and everything below it.
func MatchAddress(pattern, address string) bool {
	if pattern == "" || address == "" {
		return false
	}
	if pattern == address {
		return true
	}

	pLevels := strings.Split(pattern, "/")
	aLevels := strings.Split(address, "/")

	for i, p := range pLevels {
		if p == "#" {
			return i == len(pLevels)-1
		}
		if i >= len(aLevels) {
			return false
		}
		if p != "+" && p != aLevels[i] {
			return false
		}
	}
	return len(pLevels) == len(aLevels)
}
