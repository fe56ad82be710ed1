package xrelay

import (
	"context"
	"sync/atomic"
	"time"
)

// ObserverPool delivers hook events on background workers so a slow
// observer never stalls a tick. Events are dropped when the buffer is full.
type ObserverPool struct {
	q       *workQueue
	dropped atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 4) behind a buffer of
// bufferSize events (default 1000).
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &ObserverPool{q: newWorkQueue(ctx, workers, bufferSize)}
}

// Notify queues e for observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	e.observers = append([]Observer(nil), observers...)
	if !op.q.offer(func() { dispatchEvent(&e) }) {
		op.dropped.Add(1)
	}
}

// dispatchEvent hands e to each observer. A panicking observer does not
// keep the others from seeing the event.
func dispatchEvent(e *Event) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(*e)
		}()
	}
}

// Close delivers the queued events and stops the workers.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if !op.q.close(timeout) {
		return ErrObserverPoolShutdownTimeout
	}
	return nil
}

// Stats reports queue depth and delivery counters.
func (op *ObserverPool) Stats() PoolStats {
	s := op.q.stats()
	s.Dropped = op.dropped.Load()
	return s
}
