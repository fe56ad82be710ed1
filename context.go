package xrelay

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xrelay (prevents collisions).
type ctxKey string

const (
	loggerCtxKey  ctxKey = "xrelay:logger"
	clockCtxKey   ctxKey = "xrelay:clock"
	messageCtxKey ctxKey = "xrelay:message"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the bus logger handed to receivers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the bus clock handed to receivers.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectMessage(ctx context.Context, msg *Message) context.Context {
	if msg == nil {
		return ctx
	}
	return context.WithValue(ctx, messageCtxKey, msg)
}

// MessageFromContext retrieves the request a receiver is answering. The
// message is shared with the pipeline and must not be modified.
func MessageFromContext(ctx context.Context) (*Message, bool) {
	if v := ctx.Value(messageCtxKey); v != nil {
		if m, ok := v.(*Message); ok && m != nil {
			return m, true
		}
	}
	return nil, false
}
