package xrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// workQueue is a fixed set of goroutines draining a buffered job channel.
// Offers never block; after close, jobs already queued still run.
type workQueue struct {
	jobs    chan func()
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ran     atomic.Uint64

	// mu orders offers against close so nothing lands after the drain.
	mu     sync.RWMutex
	closed bool
}

func newWorkQueue(ctx context.Context, workers, buffer int) *workQueue {
	qctx, cancel := context.WithCancel(ctx)
	q := &workQueue{
		jobs:    make(chan func(), buffer),
		workers: workers,
		ctx:     qctx,
		cancel:  cancel,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.loop()
	}
	return q
}

// offer queues job and reports false when the queue is full or closed.
func (q *workQueue) offer(job func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *workQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.run(job)
		case <-q.ctx.Done():
			for {
				select {
				case job := <-q.jobs:
					q.run(job)
				default:
					return
				}
			}
		}
	}
}

func (q *workQueue) run(job func()) {
	job()
	q.ran.Add(1)
}

// close stops accepting jobs and waits up to timeout for the workers to
// drain the queue. It reports false on timeout. Only the first call waits.
func (q *workQueue) close(timeout time.Duration) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (q *workQueue) stats() PoolStats {
	return PoolStats{
		Processed:    q.ran.Load(),
		ActiveEvents: len(q.jobs),
		Workers:      q.workers,
		BufferSize:   cap(q.jobs),
	}
}
