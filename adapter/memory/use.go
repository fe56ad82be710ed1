package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Use builds a started Bus joined to an in-process network and installs it
// as the process-wide default.
//
// Example:
//
//	net := memory.NewNetwork()
//	bus := memory.Use(memory.Config{Network: net, Node: "orders"},
//	    memory.WithLogger(logger),
//	    memory.WithDefaults(xrelay.Defaults{Global: true, ForwardErrors: true}),
//	)
func Use(cfg Config, opts ...Option) *xrelay.Bus {
	bus, err := Build(cfg, opts...)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	if err := bus.Start(context.Background()); err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xrelay.SetDefault(bus)
	return bus
}

// Build constructs an unstarted Bus joined to the configured network.
func Build(cfg Config, opts ...Option) (*xrelay.Bus, error) {
	if cfg.Network == nil {
		cfg.Network = DefaultNetwork
	}
	bb := xrelay.NewBusBuilder().
		WithConnector(ConnectorName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	return bb.Build()
}

// Option configures the xrelay.Bus when calling Use or Build.
type Option func(*xrelay.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xrelay.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrelay.BusBuilder) { b.WithClock(c) }
}

// WithDefaults replaces the bus-wide send policies.
func WithDefaults(d xrelay.Defaults) Option {
	return func(b *xrelay.BusBuilder) { b.WithDefaults(d) }
}

// WithMiddleware adds receiver middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xrelay.ReceiverMiddleware) Option {
	return func(b *xrelay.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithDispatcher selects where receivers run.
func WithDispatcher(d xrelay.Dispatcher) Option {
	return func(b *xrelay.BusBuilder) { b.WithDispatcher(d) }
}

// WithTickInterval sets the scheduler's idle tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(b *xrelay.BusBuilder) { b.WithTickInterval(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrelay.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
