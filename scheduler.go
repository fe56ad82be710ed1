package xrelay

import (
	"context"
	"time"
)

// Scheduler invokes a tick on a fixed interval and promptly after every
// wake-up signal. Signals arriving while a tick runs coalesce into one.
type Scheduler struct {
	interval time.Duration
	tick     func()
	wake     chan struct{}
}

// NewScheduler returns a scheduler driving tick.
func NewScheduler(interval time.Duration, tick func()) *Scheduler {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Scheduler{
		interval: interval,
		tick:     tick,
		wake:     make(chan struct{}, 1),
	}
}

// Signal requests a tick as soon as possible. It never blocks.
func (s *Scheduler) Signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.tick()
	}
}
