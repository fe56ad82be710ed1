package xrelay

import (
	"github.com/trickstertwo/xlog"
)

// Observer receives pipeline lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits pipeline events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("address", e.Address),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case EventConnectionBroken:
		ev.With(xlog.Str("connection", e.Connection)).Warn().Msg("xrelay event")
	case EventProcessingError:
		ev.Error().Err(e.Err).Msg("xrelay event")
	case EventOperationCompleted:
		ev = ev.With(xlog.Str("state", e.State.String()), xlog.Dur("duration", e.Duration))
		if e.Err != nil {
			ev.Warn().Err(e.Err).Msg("xrelay event")
			return
		}
		ev.Debug().Msg("xrelay event")
	default:
		ev.Debug().Msg("xrelay event")
	}
}
