package xrelay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// Dispatcher is the Strategy deciding where a unit of work executes. The
// pipeline never waits on the work it dispatches.
type Dispatcher interface {
	Dispatch(work func() error)
}

// runWork executes work, converting panics into errors and logging failures.
func runWork(logger *xlog.Logger, work func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		return work()
	}()
	if err != nil && logger != nil {
		logger.Error().Err(err).Msg("xrelay: dispatched work failed")
	}
}

// InlineDispatcher runs work on the caller's goroutine.
type InlineDispatcher struct {
	Logger *xlog.Logger
}

func (d InlineDispatcher) Dispatch(work func() error) { runWork(d.Logger, work) }

// GoDispatcher runs every unit of work on its own goroutine.
type GoDispatcher struct {
	Logger *xlog.Logger
}

func (d GoDispatcher) Dispatch(work func() error) { go runWork(d.Logger, work) }

// PoolDispatcher runs work on a fixed set of workers. When the buffer is full
// or the pool is closed the work runs on a fresh goroutine instead, so
// Dispatch never blocks the tick.
type PoolDispatcher struct {
	q        *workQueue
	logger   *xlog.Logger
	overflow atomic.Uint64
}

// NewPoolDispatcher starts workers goroutines (default 4) behind a buffer of
// bufferSize units (default 1024).
func NewPoolDispatcher(ctx context.Context, workers, bufferSize int, logger *xlog.Logger) *PoolDispatcher {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &PoolDispatcher{q: newWorkQueue(ctx, workers, bufferSize), logger: logger}
}

// Dispatch queues work for the pool.
func (pd *PoolDispatcher) Dispatch(work func() error) {
	if work == nil {
		return
	}
	if !pd.q.offer(func() { runWork(pd.logger, work) }) {
		pd.overflow.Add(1)
		go runWork(pd.logger, work)
	}
}

// Close runs the queued work and stops the workers, waiting up to timeout.
func (pd *PoolDispatcher) Close(timeout time.Duration) error {
	if !pd.q.close(timeout) {
		return fmt.Errorf("xrelay: dispatcher shutdown timed out after %s", timeout)
	}
	return nil
}

// Stats returns current pool statistics.
func (pd *PoolDispatcher) Stats() PoolStats {
	s := pd.q.stats()
	s.Overflowed = pd.overflow.Load()
	return s
}
