package xrelay

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	connectorName string
	connectorCfg  map[string]any
	connsInst     ConnectionManager

	router     Router
	dispatcher Dispatcher

	poolWorkers int
	poolBuffer  int

	dispatchWorkers int
	dispatchBuffer  int

	middlewares  []ReceiverMiddleware
	observers    []Observer
	logger       *xlog.Logger
	clock        xclock.Clock
	defaults     Defaults
	tickInterval time.Duration
	errorHook    ErrorHandler
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		defaults:     DefaultPolicy(),
		tickInterval: 50 * time.Millisecond,
	}
}

// WithConnector selects a registered connection manager by name.
func (bb *BusBuilder) WithConnector(name string, cfg map[string]any) *BusBuilder {
	bb.connectorName = name
	bb.connectorCfg = cfg
	return bb
}

// WithConnections accepts a ready ConnectionManager (e.g., from an adapter).
func (bb *BusBuilder) WithConnections(c ConnectionManager) *BusBuilder {
	bb.connsInst = c
	return bb
}

func (bb *BusBuilder) WithRouter(r Router) *BusBuilder {
	bb.router = r
	return bb
}

func (bb *BusBuilder) WithDispatcher(d Dispatcher) *BusBuilder {
	bb.dispatcher = d
	return bb
}

// WithDispatcherPool runs receivers on a bus-owned worker pool.
func (bb *BusBuilder) WithDispatcherPool(workers, bufferSize int) *BusBuilder {
	bb.dispatchWorkers = workers
	bb.dispatchBuffer = bufferSize
	return bb
}

// WithObserverPool dispatches hooks asynchronously through a worker pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...ReceiverMiddleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithDefaults(d Defaults) *BusBuilder {
	bb.defaults = d
	return bb
}

func (bb *BusBuilder) WithTickInterval(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.tickInterval = d
	}
	return bb
}

func (bb *BusBuilder) WithErrorHook(h ErrorHandler) *BusBuilder {
	bb.errorHook = h
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var conns ConnectionManager
	var err error

	switch {
	case bb.connsInst != nil:
		conns = bb.connsInst
	case bb.connectorName != "":
		conns, err = NewConnector(bb.connectorName, bb.connectorCfg)
		if err != nil {
			return nil, err
		}
	default:
		conns = &NoConnections{}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		// Default to xlog's process logger; Adapter pattern to platform logging.
		lg = xlog.Default()
	}

	hub := newHub(clk, lg, bb.defaults)
	hub.errorHook = bb.errorHook
	hub.middlewares = bb.middlewares
	if bb.poolWorkers > 0 || bb.poolBuffer > 0 {
		hub.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	ownsPool := false
	dispatcher := bb.dispatcher
	switch {
	case dispatcher != nil:
	case bb.dispatchWorkers > 0 || bb.dispatchBuffer > 0:
		dispatcher = NewPoolDispatcher(context.Background(), bb.dispatchWorkers, bb.dispatchBuffer, lg)
		ownsPool = true
	default:
		dispatcher = GoDispatcher{Logger: lg}
	}

	router := bb.router
	if router == nil {
		router = DefaultRouter{}
	}

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		hub.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		hub.AddObserver(o)
	}

	pipeline := NewPipeline(hub, router, conns, dispatcher)
	scheduler := NewScheduler(bb.tickInterval, pipeline.Tick)
	hub.wake = scheduler.Signal
	if ws, ok := conns.(WakeSetter); ok {
		ws.SetWake(scheduler.Signal)
	}

	return &Bus{
		Hub:        hub,
		pipeline:   pipeline,
		scheduler:  scheduler,
		conns:      conns,
		dispatcher: dispatcher,
		ownsPool:   ownsPool,
	}, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
