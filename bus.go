package xrelay

import (
	"context"
	"sync"
	"time"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the central Facade: a Hub for callers and receivers, the Pipeline
// that processes its traffic and the Scheduler that drives the pipeline.
type Bus struct {
	*Hub
	pipeline   *Pipeline
	scheduler  *Scheduler
	conns      ConnectionManager
	dispatcher Dispatcher
	ownsPool   bool

	runMu     sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Pipeline exposes the processing engine, mainly for manual ticking in tests.
func (b *Bus) Pipeline() *Pipeline { return b.pipeline }

// Connections returns the configured connection manager.
func (b *Bus) Connections() ConnectionManager { return b.conns }

// Tick runs one pipeline pass on the caller's goroutine.
func (b *Bus) Tick() { b.pipeline.Tick() }

// Start runs the scheduler in the background until ctx ends or Close is called.
// Calling Start on a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.scheduler.Run(runCtx)
	}()
	b.logger.Debug().Msg("xrelay: scheduler started")
	return nil
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded when any connection is broken or more than 5% of sends fail.
	if broken := len(b.pipeline.brokenConnections()); broken > 0 {
		status = "degraded"
		msg = "broken connections present"
	}
	if total := metrics.Sent + metrics.Broadcasts; total > 0 {
		failed := metrics.TimedOut + metrics.Broken + metrics.ForwardedErrors
		if float64(failed)/float64(total) > 0.05 {
			status = "degraded"
			msg = "elevated failure rate"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
		Message:   msg,
	}
}

// Close gracefully shuts down the bus. Outstanding sends resolve with
// ErrBusClosed. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		// 1. Stop the scheduler
		b.runMu.Lock()
		if b.cancel != nil {
			b.cancel()
			select {
			case <-b.done:
			case <-ctx.Done():
				closeErr = ctx.Err()
			}
		}
		b.runMu.Unlock()

		// 2. Release callers still waiting
		b.abandon(ErrBusClosed)

		// 3. Drain observer pool and owned dispatcher
		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xrelay: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if pd, ok := b.dispatcher.(*PoolDispatcher); ok && b.ownsPool {
			if err := pd.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xrelay: dispatcher shutdown timeout")
				closeErr = err
			}
		}

		// 4. Close connections
		if c, ok := b.conns.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil {
				b.logger.Error().Err(err).Msg("xrelay: connection manager close failed")
				closeErr = err
			}
		}
	})

	return closeErr
}
