package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Use builds a started Bus over Redis Streams and sets it as the default Bus,
// then returns it. Mirrors xlog/xclock "Use" behavior: explicit construction
// and global install.
func Use(cfg Config, opts ...Option) *xrelay.Bus {
	bus, err := Build(cfg, opts...)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	if err := bus.Start(context.Background()); err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	// Install as process-wide default (replaces any existing default).
	xrelay.SetDefault(bus)
	return bus
}

// Build constructs an unstarted Bus over Redis Streams.
func Build(cfg Config, opts ...Option) (*xrelay.Bus, error) {
	bb := xrelay.NewBusBuilder().
		WithConnector(ConnectorName, cfg.ToMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	return bb.Build()
}

// Option configures the xrelay.Bus construction when calling Use or Build.
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

// WithMiddleware adds receiver middlewares.
func WithMiddleware(mw ...xrelay.ReceiverMiddleware) Option {
	return func(b *xrelay.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithDispatcherPool runs receivers on a bounded worker pool.
func WithDispatcherPool(workers, bufferSize int) Option {
	return func(b *xrelay.BusBuilder) { b.WithDispatcherPool(workers, bufferSize) }
}

// WithTickInterval sets the scheduler's idle tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(b *xrelay.BusBuilder) { b.WithTickInterval(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.BusBuilder) { b.WithObserver(obs...) }
}
